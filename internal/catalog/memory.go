package catalog

import (
	"context"
	"sync"
)

// Memory is an in-process Catalog. Scan order is insertion order.
type Memory struct {
	mu    sync.RWMutex
	order []string
	rows  map[string]Metadata
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Metadata)}
}

func (m *Memory) Create(_ context.Context, meta Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[meta.PartitionID]; !ok {
		m.order = append(m.order, meta.PartitionID)
	}
	m.rows[meta.PartitionID] = meta
	return nil
}

func (m *Memory) FindCandidate(ctx context.Context, token string) (string, bool, error) {
	rows, err := m.List(ctx)
	if err != nil {
		return "", false, err
	}
	id, ok := pickCandidate(rows, token)
	return id, ok, nil
}

func (m *Memory) ReadVersion(_ context.Context, partitionID string) (int64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[partitionID]
	if !ok {
		return 0, "", notFound(partitionID)
	}
	return row.Version, row.StorageKey, nil
}

func (m *Memory) Publish(ctx context.Context, meta Metadata, isNew bool) error {
	if isNew {
		return m.Create(ctx, meta)
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[meta.PartitionID]
	if !ok {
		return notFound(meta.PartitionID)
	}
	if row.Version != meta.Version {
		return conflict(meta.PartitionID, meta.Version)
	}
	meta.Version++
	m.rows[meta.PartitionID] = meta
	return nil
}

func (m *Memory) List(context.Context) ([]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metadata, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rows[id])
	}
	return out, nil
}

// Get returns the stored row, for tests and tooling.
func (m *Memory) Get(partitionID string) (Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[partitionID]
	return row, ok
}
