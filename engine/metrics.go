package engine

import "sync/atomic"

// MetricsCollector receives operational counters from the engine.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	IncInserts(n int)
	IncDeletes(n int)
	IncSearches(n int)
	// IncConsistencyGaps counts candidates the index returned but the
	// vector store could not resolve.
	IncConsistencyGaps(n int)
	// IncDegraded counts searches that ran out of budget and returned
	// partial results.
	IncDegraded(n int)
	IncRebuilds(n int)
}

// NoopMetrics discards all counters.
type NoopMetrics struct{}

var _ MetricsCollector = NoopMetrics{}

func (NoopMetrics) IncInserts(int)         {}
func (NoopMetrics) IncDeletes(int)         {}
func (NoopMetrics) IncSearches(int)        {}
func (NoopMetrics) IncConsistencyGaps(int) {}
func (NoopMetrics) IncDegraded(int)        {}
func (NoopMetrics) IncRebuilds(int)        {}

// BasicMetrics counts with atomics.
type BasicMetrics struct {
	inserts         atomic.Int64
	deletes         atomic.Int64
	searches        atomic.Int64
	consistencyGaps atomic.Int64
	degraded        atomic.Int64
	rebuilds        atomic.Int64
}

var _ MetricsCollector = (*BasicMetrics)(nil)

// NewBasicMetrics creates a zeroed collector.
func NewBasicMetrics() *BasicMetrics { return &BasicMetrics{} }

func (m *BasicMetrics) IncInserts(n int)         { m.inserts.Add(int64(n)) }
func (m *BasicMetrics) IncDeletes(n int)         { m.deletes.Add(int64(n)) }
func (m *BasicMetrics) IncSearches(n int)        { m.searches.Add(int64(n)) }
func (m *BasicMetrics) IncConsistencyGaps(n int) { m.consistencyGaps.Add(int64(n)) }
func (m *BasicMetrics) IncDegraded(n int)        { m.degraded.Add(int64(n)) }
func (m *BasicMetrics) IncRebuilds(n int)        { m.rebuilds.Add(int64(n)) }

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Inserts         int64
	Deletes         int64
	Searches        int64
	ConsistencyGaps int64
	Degraded        int64
	Rebuilds        int64
}

// Snapshot returns the current counter values.
func (m *BasicMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Inserts:         m.inserts.Load(),
		Deletes:         m.deletes.Load(),
		Searches:        m.searches.Load(),
		ConsistencyGaps: m.consistencyGaps.Load(),
		Degraded:        m.degraded.Load(),
		Rebuilds:        m.rebuilds.Load(),
	}
}
