package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps records in process memory. It backs the "memory"
// driver for local development and is the store most tests use.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record // oldest first
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SaveConversation(_ context.Context, rec Record) SaveResult {
	rec = prepare(rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)

	return SaveResult{Saved: true, ID: rec.ID}
}

func (m *MemoryStore) FindConversationByPrompt(_ context.Context, prompt, typ string) (*Record, error) {
	prompt = strings.TrimSpace(prompt)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Type == typ && r.Prompt == prompt {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.records {
		if m.records[i].ID == id {
			r := m.records[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) RecentConversations(_ context.Context, typ string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if typ == "" || m.records[i].Type == typ {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
