package embedix

import "github.com/hupe1980/embedix/engine"

// MetricsCollector receives operational counters. See engine for the
// method set; the default is a no-op.
type MetricsCollector = engine.MetricsCollector

// BasicMetrics is an atomic-counter collector with a Snapshot method.
type BasicMetrics = engine.BasicMetrics

// NewBasicMetrics creates a zeroed BasicMetrics.
func NewBasicMetrics() *BasicMetrics { return engine.NewBasicMetrics() }
