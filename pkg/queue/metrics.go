package queue

import (
	"context"
	"fmt"
)

// MetricsReporter reads queue health on demand. Nothing is cached.
type MetricsReporter struct {
	backend Backend
}

func NewMetricsReporter(backend Backend) *MetricsReporter {
	return &MetricsReporter{backend: backend}
}

// Snapshot returns current job counts. An unreachable queue is an error,
// never a zero snapshot.
func (m *MetricsReporter) Snapshot(ctx context.Context) (Snapshot, error) {
	snap, err := m.backend.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue metrics from %s: %w", m.backend.Name(), err)
	}
	return snap, nil
}
