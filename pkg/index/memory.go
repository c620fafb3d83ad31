package index

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/liliang-cn/semroute/pkg/encoder"
)

// Memory is an exact brute-force index. Entries live in insertion order,
// which is what makes tie-breaking deterministic. The zero value is not
// usable; construct with NewMemory or NewHybrid.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	dim     int // pinned at first insert, 0 while empty

	hybrid bool
	scorer SparseScorer
}

// MemoryOption configures a Memory index.
type MemoryOption func(*Memory)

// WithSparseScorer replaces the sparse scoring function of a hybrid index.
func WithSparseScorer(s SparseScorer) MemoryOption {
	return func(m *Memory) { m.scorer = s }
}

// NewMemory creates a dense-only in-memory index.
func NewMemory() *Memory {
	return &Memory{}
}

// NewHybrid creates an in-memory index that stores sparse vectors alongside
// dense ones and ranks by the alpha-blended score.
func NewHybrid(opts ...MemoryOption) *Memory {
	m := &Memory{hybrid: true, scorer: NormalizedDot}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Insert appends entries for a route. Dense vectors are copied and
// L2-normalized; the dimension is pinned by the first insertion and
// ErrDimensionMismatch rejects the whole call on disagreement.
func (m *Memory) Insert(route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error {
	if err := validateInsert(route, utterances, dense, sparse); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDims(dense); err != nil {
		return err
	}
	if m.dim == 0 {
		m.dim = len(dense[0])
	}

	m.entries = m.appendEntries(m.entries, route, utterances, dense, sparse)
	return nil
}

// Replace swaps the route's entries for new ones in one step. Validation
// happens before any mutation, so a failed call leaves the index unchanged.
func (m *Memory) Replace(route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error {
	if err := validateInsert(route, utterances, dense, sparse); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDims(dense); err != nil {
		return err
	}
	if m.dim == 0 {
		m.dim = len(dense[0])
	}

	kept := make([]Entry, 0, len(m.entries)+len(utterances))
	for _, e := range m.entries {
		if e.Route != route {
			kept = append(kept, e)
		}
	}
	m.entries = m.appendEntries(kept, route, utterances, dense, sparse)
	return nil
}

// appendEntries builds entries for a route and appends them to dst. Caller
// holds the lock and has validated dimensions.
func (m *Memory) appendEntries(dst []Entry, route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) []Entry {
	for i, utterance := range utterances {
		e := Entry{
			ID:        uuid.NewString(),
			Route:     route,
			Utterance: utterance,
			Dense:     normalize(dense[i]),
		}
		if m.hybrid && sparse != nil {
			e.Sparse = sparse[i]
		}
		dst = append(dst, e)
	}
	return dst
}

// checkDims verifies every vector against the pinned dimension. Caller holds
// the lock.
func (m *Memory) checkDims(dense [][]float32) error {
	dim := m.dim
	if dim == 0 && len(dense) > 0 {
		dim = len(dense[0])
	}
	for i, v := range dense {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at position %d", ErrDimensionMismatch, i)
		}
		if len(v) != dim {
			return fmt.Errorf("%w: expected %d, got %d at position %d", ErrDimensionMismatch, dim, len(v), i)
		}
	}
	return nil
}

// Delete removes all entries tagged with the route.
func (m *Memory) Delete(route string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Route != route {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// Search returns up to q.TopK hits ordered by descending score. Hybrid
// indexes blend q.Alpha*dense + (1-q.Alpha)*sparse; when q.Sparse is nil the
// index degrades to pure dense scoring.
func (m *Memory) Search(q Query) ([]Hit, error) {
	if q.TopK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", q.TopK)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return []Hit{}, nil
	}
	if len(q.Dense) != m.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrDimensionMismatch, len(q.Dense), m.dim)
	}

	var allowed map[string]bool
	if q.Routes != nil {
		allowed = make(map[string]bool, len(q.Routes))
		for _, r := range q.Routes {
			allowed[r] = true
		}
	}

	query := normalize(q.Dense)
	blend := m.hybrid && q.Sparse != nil

	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if allowed != nil && !allowed[e.Route] {
			continue
		}

		h := Hit{Route: e.Route, Utterance: e.Utterance, Dense: dot(query, e.Dense)}
		if blend {
			// Entries without a sparse vector contribute a sparse score of
			// zero rather than being skipped.
			h.Sparse = m.scorer(q.Sparse, e.Sparse)
			h.Score = q.Alpha*h.Dense + (1-q.Alpha)*h.Sparse
		} else {
			h.Score = h.Dense
		}
		hits = append(hits, h)
	}

	// Stable sort keeps first-inserted entries ahead on equal scores.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Routes returns the entry count per route.
func (m *Memory) Routes() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range m.entries {
		counts[e.Route]++
	}
	return counts
}

// Entries returns a copy of all entries in insertion order.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// normalize returns an L2-normalized copy of v. Zero vectors are copied
// unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i, val := range v {
		out[i] = val / norm
	}
	return out
}

// dot computes the dot product of two equal-length vectors. With normalized
// inputs this is cosine similarity.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
