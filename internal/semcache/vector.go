package semcache

import (
	"context"
	"sort"
	"sync"

	"github.com/viterin/vek/vek32"
)

// Neighbor is one vector search hit. Score is cosine similarity, 1 for
// identical direction.
type Neighbor struct {
	ID    string
	Score float64
}

// VectorStore holds one embedding per saved record, tagged with the
// record type so a single-provider prompt never answers a comparison.
type VectorStore interface {
	Add(ctx context.Context, id, typ string, vec []float32) error
	Query(ctx context.Context, vec []float32, typ string, topK int) ([]Neighbor, error)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memoryVector struct {
	id  string
	typ string
	vec []float32
}

// MemoryVectorStore is a brute-force cosine index. Fine for development
// and for the few thousand prompts a single instance sees.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	vectors []memoryVector
}

// NewMemoryVectorStore returns an empty store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{}
}

// Add stores vec under id. Re-adding an id replaces its vector.
func (m *MemoryVectorStore) Add(_ context.Context, id, typ string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.vectors {
		if m.vectors[i].id == id {
			m.vectors[i] = memoryVector{id: id, typ: typ, vec: cp}
			return nil
		}
	}
	m.vectors = append(m.vectors, memoryVector{id: id, typ: typ, vec: cp})
	return nil
}

// Query returns up to topK neighbors of typ, best first. Vectors of a
// different dimension are skipped.
func (m *MemoryVectorStore) Query(_ context.Context, vec []float32, typ string, topK int) ([]Neighbor, error) {
	if topK <= 0 || len(vec) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Neighbor
	for _, v := range m.vectors {
		if v.typ != typ || len(v.vec) != len(vec) {
			continue
		}
		out = append(out, Neighbor{ID: v.id, Score: float64(vek32.CosineSimilarity(vec, v.vec))})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
