// Package store provides in-memory pipeline.Store and pipeline.RunLog
// implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/warp/seo-engine/pipeline"
)

// ErrInjected is returned by a Memory store armed with FailOn.
var ErrInjected = errors.New("injected store failure")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every relation as a map from batch to partition. A replace
// swaps the slice under the write lock, so readers never see half a partition.
type Memory struct {
	mu sync.RWMutex

	stagedGSC       []pipeline.RawGSCRow
	stagedAnalytics []pipeline.RawAnalyticsRow
	stagedRank      []pipeline.RawRankRow

	gsc          map[pipeline.BatchID][]pipeline.GSCRecord
	analytics    map[pipeline.BatchID][]pipeline.AnalyticsRecord
	rank         map[pipeline.BatchID][]pipeline.RankRecord
	gscAnalytics map[pipeline.BatchID][]pipeline.GSCAnalyticsRecord
	gscRank      map[pipeline.BatchID][]pipeline.GSCRankRecord
	facts        map[pipeline.BatchID][]pipeline.FactRecord

	runs []pipeline.RunRecord

	// failOn names a relation whose next replace fails.
	failOn string
}

func NewMemory() *Memory {
	return &Memory{
		gsc:          make(map[pipeline.BatchID][]pipeline.GSCRecord),
		analytics:    make(map[pipeline.BatchID][]pipeline.AnalyticsRecord),
		rank:         make(map[pipeline.BatchID][]pipeline.RankRecord),
		gscAnalytics: make(map[pipeline.BatchID][]pipeline.GSCAnalyticsRecord),
		gscRank:      make(map[pipeline.BatchID][]pipeline.GSCRankRecord),
		facts:        make(map[pipeline.BatchID][]pipeline.FactRecord),
	}
}

// Relation names accepted by FailOn.
const (
	RelationGSC          = "gsc"
	RelationAnalytics    = "analytics"
	RelationRank         = "rank"
	RelationGSCAnalytics = "gsc_analytics"
	RelationGSCRank      = "gsc_rank"
	RelationFacts        = "facts"
)

// FailOn makes every following replace of the relation fail with ErrInjected,
// leaving its partitions untouched. An empty name disarms it.
func (m *Memory) FailOn(relation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn = relation
}

// =============================================================================
// STAGING
// =============================================================================

func (m *Memory) StageGSC(rows ...pipeline.RawGSCRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stagedGSC = append(m.stagedGSC, rows...)
}

func (m *Memory) StageAnalytics(rows ...pipeline.RawAnalyticsRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stagedAnalytics = append(m.stagedAnalytics, rows...)
}

func (m *Memory) StageRank(rows ...pipeline.RawRankRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stagedRank = append(m.stagedRank, rows...)
}

func (m *Memory) LoadStagedGSC(_ context.Context, batch pipeline.BatchID) ([]pipeline.RawGSCRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterBatch(m.stagedGSC, batch, func(r pipeline.RawGSCRow) pipeline.BatchID { return r.BatchID }), nil
}

func (m *Memory) LoadStagedAnalytics(_ context.Context, batch pipeline.BatchID) ([]pipeline.RawAnalyticsRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterBatch(m.stagedAnalytics, batch, func(r pipeline.RawAnalyticsRow) pipeline.BatchID { return r.BatchID }), nil
}

func (m *Memory) LoadStagedRank(_ context.Context, batch pipeline.BatchID) ([]pipeline.RawRankRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterBatch(m.stagedRank, batch, func(r pipeline.RawRankRow) pipeline.BatchID { return r.BatchID }), nil
}

func filterBatch[T any](rows []T, batch pipeline.BatchID, batchOf func(T) pipeline.BatchID) []T {
	var out []T
	for _, r := range rows {
		if batchOf(r) == batch {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// PARTITIONS
// =============================================================================

// replace swaps one partition. The records are copied so the caller may reuse
// its slice.
func replace[T any](m *Memory, relation string, parts map[pipeline.BatchID][]T, batch pipeline.BatchID, records []T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == relation {
		return ErrInjected
	}
	if len(records) == 0 {
		delete(parts, batch)
		return nil
	}
	cp := make([]T, len(records))
	copy(cp, records)
	parts[batch] = cp
	return nil
}

func load[T any](m *Memory, parts map[pipeline.BatchID][]T, batch pipeline.BatchID) []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]T, len(parts[batch]))
	copy(result, parts[batch])
	return result
}

func (m *Memory) ReplaceGSC(_ context.Context, batch pipeline.BatchID, records []pipeline.GSCRecord) error {
	return replace(m, RelationGSC, m.gsc, batch, records)
}

func (m *Memory) ReplaceAnalytics(_ context.Context, batch pipeline.BatchID, records []pipeline.AnalyticsRecord) error {
	return replace(m, RelationAnalytics, m.analytics, batch, records)
}

func (m *Memory) ReplaceRank(_ context.Context, batch pipeline.BatchID, records []pipeline.RankRecord) error {
	return replace(m, RelationRank, m.rank, batch, records)
}

func (m *Memory) ReplaceGSCAnalytics(_ context.Context, batch pipeline.BatchID, records []pipeline.GSCAnalyticsRecord) error {
	return replace(m, RelationGSCAnalytics, m.gscAnalytics, batch, records)
}

func (m *Memory) ReplaceGSCRank(_ context.Context, batch pipeline.BatchID, records []pipeline.GSCRankRecord) error {
	return replace(m, RelationGSCRank, m.gscRank, batch, records)
}

func (m *Memory) ReplaceFacts(_ context.Context, batch pipeline.BatchID, records []pipeline.FactRecord) error {
	return replace(m, RelationFacts, m.facts, batch, records)
}

func (m *Memory) LoadGSC(_ context.Context, batch pipeline.BatchID) ([]pipeline.GSCRecord, error) {
	return load(m, m.gsc, batch), nil
}

func (m *Memory) LoadAnalytics(_ context.Context, batch pipeline.BatchID) ([]pipeline.AnalyticsRecord, error) {
	return load(m, m.analytics, batch), nil
}

func (m *Memory) LoadRank(_ context.Context, batch pipeline.BatchID) ([]pipeline.RankRecord, error) {
	return load(m, m.rank, batch), nil
}

func (m *Memory) LoadGSCAnalytics(_ context.Context, batch pipeline.BatchID) ([]pipeline.GSCAnalyticsRecord, error) {
	return load(m, m.gscAnalytics, batch), nil
}

func (m *Memory) LoadGSCRank(_ context.Context, batch pipeline.BatchID) ([]pipeline.GSCRankRecord, error) {
	return load(m, m.gscRank, batch), nil
}

func (m *Memory) LoadFacts(_ context.Context, batch pipeline.BatchID) ([]pipeline.FactRecord, error) {
	return load(m, m.facts, batch), nil
}

// QueryFacts returns the matching facts of every batch, ordered by batch then key.
func (m *Memory) QueryFacts(_ context.Context, filter pipeline.FactFilter) ([]pipeline.FactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []pipeline.FactRecord
	for _, b := range m.factBatchesLocked() {
		for _, f := range m.facts[b] {
			if !filter.Match(f) {
				continue
			}
			result = append(result, f)
			if filter.Limit > 0 && len(result) == filter.Limit {
				return result, nil
			}
		}
	}
	return result, nil
}

// ListBatches returns the batches that have facts, oldest first.
func (m *Memory) ListBatches(_ context.Context) ([]pipeline.BatchID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.factBatchesLocked(), nil
}

func (m *Memory) factBatchesLocked() []pipeline.BatchID {
	batches := make([]pipeline.BatchID, 0, len(m.facts))
	for b := range m.facts {
		batches = append(batches, b)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i] < batches[j] })
	return batches
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run pipeline.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ListRuns returns runs newest first, optionally for one batch only.
func (m *Memory) ListRuns(_ context.Context, batch pipeline.BatchID, limit int) ([]pipeline.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []pipeline.RunRecord
	for i := len(m.runs) - 1; i >= 0; i-- {
		if batch != "" && m.runs[i].Batch != batch {
			continue
		}
		result = append(result, m.runs[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
