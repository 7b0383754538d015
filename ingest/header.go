package ingest

import (
	"fmt"
	"strings"

	"github.com/warp/seo-engine/pipeline"
)

// aliases maps a staging column to the header spellings seen in exports.
var aliases = map[pipeline.Source]map[string][]string{
	pipeline.SourceGSC: {
		"date":        {"date", "day"},
		"query":       {"query", "queries", "top_queries", "keyword", "search_query"},
		"page":        {"page", "pages", "top_pages", "url", "page_url", "landing_page"},
		"clicks":      {"clicks"},
		"impressions": {"impressions"},
		"ctr":         {"ctr", "click_through_rate"},
		"position":    {"position", "avg_position", "average_position"},
	},
	pipeline.SourceAnalytics: {
		"date":        {"date", "day"},
		"page":        {"page", "page_path", "url", "page_url", "landing_page"},
		"pageviews":   {"pageviews", "page_views", "views"},
		"sessions":    {"sessions"},
		"conversions": {"conversions", "goal_completions", "key_events"},
	},
	pipeline.SourceRank: {
		"date":          {"date", "day"},
		"keyword":       {"keyword", "query"},
		"page":          {"page", "url", "page_url", "landing_page"},
		"rank":          {"rank", "position", "ranking"},
		"search_volume": {"search_volume", "volume", "monthly_search_volume"},
		"cpc":           {"cpc", "cost_per_click"},
	},
}

// normalizeHeader folds case and turns spaces and dashes into underscores.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(h)
}

// mapHeader returns, for each staging column of src, the CSV column index
// holding it or -1.
func mapHeader(header []string, src pipeline.Source) ([]int, error) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		name := normalizeHeader(h)
		if _, seen := positions[name]; !seen {
			positions[name] = i
		}
	}

	columns := src.StagingColumns()
	index := make([]int, len(columns))
	found := 0
	for i, col := range columns {
		index[i] = -1
		for _, alias := range aliases[src][col] {
			if pos, ok := positions[alias]; ok {
				index[i] = pos
				found++
				break
			}
		}
	}
	if found == 0 {
		return nil, fmt.Errorf("no %s columns in header %v", src, header)
	}
	return index, nil
}
