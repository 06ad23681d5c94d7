package directory

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Directory.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

var _ Directory = (*Memory)(nil)

func (m *Memory) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// List returns entries ordered by creation time.
func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Created.Equal(es[j].Created) {
			return es[i].ID < es[j].ID
		}
		return es[i].Created.Before(es[j].Created)
	})
}
