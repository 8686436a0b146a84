package store

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

type recordKey struct {
	kind Kind
	id   string
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[recordKey]Record
	order   []recordKey
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: map[recordKey]Record{}, now: time.Now}
}

func (m *Memory) Put(_ context.Context, record Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{kind: record.Kind, id: record.ID}
	now := m.now().UTC()
	record.Fields = maps.Clone(record.Fields)
	record.UpdatedAt = now
	if existing, exists := m.records[key]; exists {
		record.CreatedAt = existing.CreatedAt
	} else {
		record.CreatedAt = now
		m.order = append(m.order, key)
	}
	m.records[key] = record
	return nil
}

func (m *Memory) Get(_ context.Context, kind Kind, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[recordKey{kind: kind, id: id}]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	record.Fields = maps.Clone(record.Fields)
	return record, nil
}

func (m *Memory) UpdateStatus(_ context.Context, kind Kind, id string, status Status, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{kind: kind, id: id}
	record, ok := m.records[key]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err := CheckTransition(kind, record.Status, status); err != nil {
		return err
	}
	record.Status = status
	record.Fields = mergeFields(record.Fields, fields)
	record.UpdatedAt = m.now().UTC()
	m.records[key] = record
	return nil
}

// List returns records of kind in insertion order. An empty runID lists all runs.
func (m *Memory) List(_ context.Context, kind Kind, runID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, key := range m.order {
		record := m.records[key]
		if key.kind != kind || (runID != "" && record.RunID != runID) {
			continue
		}
		record.Fields = maps.Clone(record.Fields)
		out = append(out, record)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
