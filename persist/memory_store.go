package persist

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. It is meant for tests and
// single-process tooling; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]Record)}
}

func (m *MemoryStore) Put(_ context.Context, record Record) error {
	if err := validateKey(record.TenantID, record.IntegrationID); err != nil {
		return err
	}
	if len(record.Blob) == 0 {
		return fmt.Errorf("record blob cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.records[record.TenantID]
	if !ok {
		tenant = make(map[string]Record)
		m.records[record.TenantID] = tenant
	}
	if existing, found := tenant[record.IntegrationID]; found {
		record.CreatedAt = existing.CreatedAt
	}
	tenant[record.IntegrationID] = cloneRecord(record)
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, prev, next Record) (bool, error) {
	if err := validateKey(next.TenantID, next.IntegrationID); err != nil {
		return false, err
	}
	if len(next.Blob) == 0 {
		return false, fmt.Errorf("record blob cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, found := m.records[next.TenantID][next.IntegrationID]
	if !found || !sameRecord(existing, prev) {
		return false, nil
	}
	next.CreatedAt = existing.CreatedAt
	m.records[next.TenantID][next.IntegrationID] = cloneRecord(next)
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, integrationID string) (*Record, error) {
	if err := validateKey(tenantID, integrationID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[tenantID][integrationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(record)
	return &out, nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, integrationID string) error {
	if err := validateKey(tenantID, integrationID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tenant := m.records[tenantID]
	if _, ok := tenant[integrationID]; !ok {
		return ErrNotFound
	}
	delete(tenant, integrationID)
	if len(tenant) == 0 {
		delete(m.records, tenantID)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]Record, error) {
	if err := validateID("tenant", tenantID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0, len(m.records[tenantID]))
	for _, record := range m.records[tenantID] {
		records = append(records, cloneRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].IntegrationID < records[j].IntegrationID
	})
	return records, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

// sameRecord reports whether stored still holds the ciphertext of expected
func sameRecord(stored, expected Record) bool {
	return stored.KeyVersion == expected.KeyVersion && bytes.Equal(stored.Blob, expected.Blob)
}

// cloneRecord copies the blob so callers cannot mutate stored ciphertext
func cloneRecord(record Record) Record {
	record.Blob = append([]byte(nil), record.Blob...)
	return record
}
