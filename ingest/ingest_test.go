package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/seo-engine/ingest"
	"github.com/warp/seo-engine/pipeline"
	"github.com/warp/seo-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const batch = pipeline.BatchID("2024-01-05")

func newTestIngester(t *testing.T) (*ingest.Ingester, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2024, time.January, 6, 1, 0, 0, 0, time.UTC)
	in := ingest.New(store,
		ingest.WithLogger(zaptest.NewLogger(t)),
		ingest.WithClock(func() time.Time { return now }),
	)
	return in, store
}

func writeFile(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

// =============================================================================
// READ CSV
// =============================================================================

func TestReadCSV_MapsHeaderAliases(t *testing.T) {
	csv := "\ufeffDate,Top queries,Landing Page,Clicks,Impressions,CTR,Position,Extra\n" +
		"2024-01-05, Running Shoes ,/shoes,10,200,5%,2.1,x\n" +
		",,,,,,,\n" +
		"2024-01-05,boots,/boots,1\n"

	rows, err := ingest.ReadCSV(strings.NewReader(csv), pipeline.SourceGSC)

	require.NoError(t, err)
	require.Len(t, rows, 2, "blank line skipped")
	assert.Equal(t, []string{"2024-01-05", "Running Shoes", "/shoes", "10", "200", "5%", "2.1"}, rows[0])
	assert.Equal(t, []string{"2024-01-05", "boots", "/boots", "1", "", "", ""}, rows[1], "short row padded")
}

func TestReadCSV_MissingColumnsStageEmpty(t *testing.T) {
	csv := "keyword,url,volume\nshoes,/shoes,1000\n"

	rows, err := ingest.ReadCSV(strings.NewReader(csv), pipeline.SourceRank)

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"", "shoes", "/shoes", "", "1000", ""}}, rows)
}

func TestReadCSV_RejectsUnknownHeader(t *testing.T) {
	_, err := ingest.ReadCSV(strings.NewReader("foo,bar\n1,2\n"), pipeline.SourceAnalytics)
	assert.Error(t, err)

	_, err = ingest.ReadCSV(strings.NewReader(""), pipeline.SourceAnalytics)
	assert.Error(t, err)
}

func TestFileID_UsesBaseName(t *testing.T) {
	a := ingest.FileID("/data/gsc/gsc_2024.csv")
	b := ingest.FileID("/other/gsc_2024.csv")

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ingest.FileID("/data/gsc/gsc_2025.csv"))
}

// =============================================================================
// INGEST SOURCE
// =============================================================================

func TestIngestSource_StagesThenSkips(t *testing.T) {
	in, store := newTestIngester(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "gsc_1.csv", "date,query,page,clicks,impressions", "2024-01-05,shoes,/shoes,10,200")
	writeFile(t, dir, "gsc_2.csv", "date,query,page,clicks,impressions", "2024-01-05,boots,/boots,1,20", "2024-01-05,hats,/hats,2,30")
	writeFile(t, dir, "other.csv", "date,query,page", "2024-01-05,x,/x")
	cfg := ingest.SourceConfig{Source: pipeline.SourceGSC, Dir: dir, Prefix: "gsc_"}

	// WHEN
	res := in.IngestSource(ctx, cfg, batch)

	// THEN
	assert.Equal(t, ingest.StatusSuccess, res.Status)
	assert.True(t, res.OK())
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 3, res.Rows)

	rows, err := store.LoadStagedGSC(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	// WHEN: ingesting again
	again := in.IngestSource(ctx, cfg, batch)

	// THEN: nothing new is staged
	assert.Equal(t, ingest.StatusSkipped, again.Status)
	assert.True(t, again.OK())
	assert.Equal(t, 2, again.Skipped)
	rows, _ = store.LoadStagedGSC(ctx, batch)
	assert.Len(t, rows, 3)
}

func TestIngestSource_PartialFailure(t *testing.T) {
	in, store := newTestIngester(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "ga_good.csv", "Date,Page Path,Page Views,Sessions,Conversions", "2024-01-05,/shoes,100,40,2")
	bad := writeFile(t, dir, "ga_bad.csv", "foo,bar", "1,2")
	cfg := ingest.SourceConfig{Source: pipeline.SourceAnalytics, Dir: dir, Prefix: "ga_"}

	res := in.IngestSource(ctx, cfg, batch)

	assert.Equal(t, ingest.StatusPartial, res.Status)
	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	logs, err := store.FileLogs(ctx, pipeline.SourceAnalytics)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	statuses := map[string]sqlite.FileStatus{}
	for _, l := range logs {
		statuses[l.FileName] = l.Status
	}
	assert.Equal(t, sqlite.FileFailed, statuses[bad])

	rows, _ := store.LoadStagedAnalytics(ctx, batch)
	require.Len(t, rows, 1)
	assert.Equal(t, "/shoes", rows[0].Page)
	assert.Equal(t, "100", rows[0].Pageviews)
}

func TestIngestSource_MissingDirectoryAndNoFiles(t *testing.T) {
	in, _ := newTestIngester(t)
	ctx := context.Background()

	missing := in.IngestSource(ctx, ingest.SourceConfig{Source: pipeline.SourceRank, Dir: "/does/not/exist", Prefix: "rank_"}, batch)
	assert.Equal(t, ingest.StatusError, missing.Status)
	assert.False(t, missing.OK())

	empty := in.IngestSource(ctx, ingest.SourceConfig{Source: pipeline.SourceRank, Dir: t.TempDir(), Prefix: "rank_"}, batch)
	assert.Equal(t, ingest.StatusWarning, empty.Status)
	assert.False(t, empty.OK())
}

// =============================================================================
// INGEST ALL
// =============================================================================

func TestIngestAll_FailsFast(t *testing.T) {
	in, _ := newTestIngester(t)
	ctx := context.Background()
	gscDir, gaDir, rankDir := t.TempDir(), t.TempDir(), t.TempDir()
	writeFile(t, gscDir, "gsc_1.csv", "date,query,page,clicks", "2024-01-05,shoes,/shoes,1")
	writeFile(t, rankDir, "rank_1.csv", "date,keyword,page,rank", "2024-01-05,shoes,/shoes,1")

	results, err := in.IngestAll(ctx, []ingest.SourceConfig{
		{Source: pipeline.SourceGSC, Dir: gscDir, Prefix: "gsc_"},
		{Source: pipeline.SourceAnalytics, Dir: gaDir, Prefix: "ga_"},
		{Source: pipeline.SourceRank, Dir: rankDir, Prefix: "rank_"},
	}, batch)

	require.ErrorIs(t, err, ingest.ErrSourceFailed)
	assert.Contains(t, err.Error(), "analytics")
	require.Len(t, results, 2, "rank never attempted")
	assert.Equal(t, ingest.StatusSuccess, results[0].Status)
	assert.Equal(t, ingest.StatusWarning, results[1].Status)
}
