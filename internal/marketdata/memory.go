package marketdata

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Source.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewMemoryStore(recs ...Record) *MemoryStore {
	m := &MemoryStore{records: make(map[string][]Record)}
	m.Add(recs...)
	return m
}

// Add stores records, keeping each asset's records ordered by timestamp.
func (m *MemoryStore) Add(recs ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]bool)
	for _, rec := range recs {
		rec.Asset = strings.ToUpper(rec.Asset)
		m.records[rec.Asset] = append(m.records[rec.Asset], rec)
		touched[rec.Asset] = true
	}
	for asset := range touched {
		sortRecords(m.records[asset])
	}
}

func (m *MemoryStore) RecordsAvailableAt(_ context.Context, asset string, r Range, cutoff time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records[strings.ToUpper(asset)] {
		if rec.AvailableAt.After(cutoff) || !r.Contains(rec.Timestamp) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Assets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.records))
	for asset := range m.records {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, recs := range m.records {
		n += len(recs)
	}
	return n
}
