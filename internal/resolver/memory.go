package resolver

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/reviewqa/internal/review"
)

// MemoryIndex is an in-process entity index. Ties on distance go to the
// entity added first.
type MemoryIndex struct {
	mu       sync.RWMutex
	entities map[review.EntityKind][]memoryEntry
}

type memoryEntry struct {
	entity review.Entity
	vec    []float32
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entities: make(map[review.EntityKind][]memoryEntry)}
}

// Add registers an entity vector under its kind.
func (m *MemoryIndex) Add(e review.Entity, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float32, len(vec))
	copy(cp, vec)
	e.Distance = 0
	m.entities[e.Kind] = append(m.entities[e.Kind], memoryEntry{entity: e, vec: cp})
}

// Len reports how many entities are registered in scope.
func (m *MemoryIndex) Len(scope review.EntityKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities[scope])
}

// Nearest implements Index.
func (m *MemoryIndex) Nearest(_ context.Context, scope review.EntityKind, vec []float32) (review.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entities[scope]
	if len(entries) == 0 {
		return review.Entity{}, &NotFoundError{Scope: scope}
	}
	best := -1
	bestDist := math.Inf(1)
	for i, en := range entries {
		d, err := L2(vec, en.vec)
		if err != nil {
			return review.Entity{}, fmt.Errorf("entity %q: %w", en.entity.Name, err)
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	e := entries[best].entity
	e.Distance = bestDist
	return e, nil
}

// LookupName implements NameLookup with a case-insensitive exact match.
func (m *MemoryIndex) LookupName(_ context.Context, scope review.EntityKind, name string) (review.Entity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = strings.TrimSpace(name)
	for _, en := range m.entities[scope] {
		if strings.EqualFold(en.entity.Name, name) {
			return en.entity, true, nil
		}
	}
	return review.Entity{}, false, nil
}

// L2 returns the Euclidean distance between a and b.
func L2(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d vs %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// IndexCategories embeds every category label and adds it to idx.
func IndexCategories(ctx context.Context, idx *MemoryIndex, emb Embedder) error {
	for code, label := range review.Categories() {
		vec, err := emb.Embed(ctx, label)
		if err != nil {
			return fmt.Errorf("embed category %q: %w", label, err)
		}
		idx.Add(review.Entity{ID: int64(code), Name: label, Kind: review.EntityCategory}, vec)
	}
	return nil
}
