package index

import (
	"errors"
	"math"
	"testing"

	"github.com/liliang-cn/semroute/pkg/encoder"
)

func insertOne(t *testing.T, m *Memory, route, utterance string, vec []float32, sparse encoder.SparseVector) {
	t.Helper()
	var sp []encoder.SparseVector
	if sparse != nil {
		sp = []encoder.SparseVector{sparse}
	}
	if err := m.Insert(route, []string{utterance}, [][]float32{vec}, sp); err != nil {
		t.Fatalf("Insert %s: %v", route, err)
	}
}

func TestMemoryInsertAndSearch(t *testing.T) {
	m := NewMemory()
	insertOne(t, m, "greeting", "hello", []float32{1, 0, 0}, nil)
	insertOne(t, m, "farewell", "goodbye", []float32{0, 1, 0}, nil)

	hits, err := m.Search(Query{Dense: []float32{1, 0, 0}, TopK: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hits, got %d", len(hits))
	}
	if hits[0].Route != "greeting" {
		t.Fatalf("Expected greeting first, got %s", hits[0].Route)
	}
	if math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Fatalf("Expected score 1.0 for identical vector, got %f", hits[0].Score)
	}
	if math.Abs(hits[1].Score) > 1e-6 {
		t.Fatalf("Expected score 0 for orthogonal vector, got %f", hits[1].Score)
	}
}

func TestMemoryNormalizesAtInsert(t *testing.T) {
	m := NewMemory()
	// Same direction, different magnitudes must score identically.
	insertOne(t, m, "a", "u1", []float32{10, 0}, nil)
	insertOne(t, m, "b", "u2", []float32{0.1, 0}, nil)

	hits, err := m.Search(Query{Dense: []float32{3, 0}, TopK: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if math.Abs(hits[0].Score-hits[1].Score) > 1e-6 {
		t.Fatalf("Magnitude leaked into scores: %f vs %f", hits[0].Score, hits[1].Score)
	}
}

func TestMemoryDimensionPinned(t *testing.T) {
	m := NewMemory()
	insertOne(t, m, "a", "u", []float32{1, 0, 0}, nil)

	err := m.Insert("b", []string{"v"}, [][]float32{{1, 0}}, nil)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}

	if _, err := m.Search(Query{Dense: []float32{1, 0}, TopK: 1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch on query, got %v", err)
	}
}

func TestMemorySearchEmpty(t *testing.T) {
	m := NewMemory()
	hits, err := m.Search(Query{Dense: []float32{1, 0}, TopK: 5})
	if err != nil {
		t.Fatalf("Search on empty index: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("Expected no hits, got %d", len(hits))
	}
}

func TestMemorySearchInvalidTopK(t *testing.T) {
	m := NewMemory()
	if _, err := m.Search(Query{Dense: []float32{1}, TopK: 0}); err == nil {
		t.Fatal("Expected error for top_k 0")
	}
}

func TestMemoryTieBreakInsertionOrder(t *testing.T) {
	m := NewMemory()
	insertOne(t, m, "first", "u1", []float32{1, 0}, nil)
	insertOne(t, m, "second", "u2", []float32{1, 0}, nil)

	for i := 0; i < 10; i++ {
		hits, err := m.Search(Query{Dense: []float32{1, 0}, TopK: 2})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if hits[0].Route != "first" || hits[1].Route != "second" {
			t.Fatalf("Tie not broken by insertion order: %s, %s", hits[0].Route, hits[1].Route)
		}
	}
}

func TestMemoryRouteFilter(t *testing.T) {
	m := NewMemory()
	insertOne(t, m, "a", "u1", []float32{1, 0}, nil)
	insertOne(t, m, "b", "u2", []float32{1, 0}, nil)

	hits, err := m.Search(Query{Dense: []float32{1, 0}, TopK: 5, Routes: []string{"b"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Route != "b" {
		t.Fatalf("Filter broken, got %+v", hits)
	}

	// Filter naming no known route returns nothing.
	hits, err = m.Search(Query{Dense: []float32{1, 0}, TopK: 5, Routes: []string{"zzz"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("Expected no hits for unknown filter, got %d", len(hits))
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	insertOne(t, m, "a", "u1", []float32{1, 0}, nil)
	insertOne(t, m, "b", "u2", []float32{0, 1}, nil)

	if err := m.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Expected 1 entry after delete, got %d", m.Len())
	}
	if counts := m.Routes(); counts["a"] != 0 || counts["b"] != 1 {
		t.Fatalf("Unexpected route counts: %v", counts)
	}

	// Deleting an absent route is a no-op.
	if err := m.Delete("a"); err != nil {
		t.Fatalf("Delete absent route: %v", err)
	}
}

func TestMemoryReplace(t *testing.T) {
	m := NewMemory()
	insertOne(t, m, "a", "u1", []float32{1, 0}, nil)
	insertOne(t, m, "a", "u2", []float32{0.9, 0.1}, nil)
	insertOne(t, m, "b", "u3", []float32{0, 1}, nil)

	err := m.Replace("a", []string{"u4"}, [][]float32{{0.5, 0.5}}, nil)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Expected 2 entries after replace, got %d", m.Len())
	}
	if counts := m.Routes(); counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("Unexpected route counts: %v", counts)
	}

	hits, err := m.Search(Query{Dense: []float32{0.5, 0.5}, TopK: 1, Routes: []string{"a"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].Utterance != "u4" {
		t.Fatalf("Expected replacement utterance, got %+v", hits[0])
	}
}

func TestMemoryReplaceFailureKeepsOldEntries(t *testing.T) {
	m := NewMemory()
	insertOne(t, m, "a", "u1", []float32{1, 0}, nil)
	insertOne(t, m, "a", "u2", []float32{0, 1}, nil)

	// Wrong dimension: the whole call is rejected and nothing changes.
	err := m.Replace("a", []string{"u3"}, [][]float32{{1, 0, 0}}, nil)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Expected old entries retained, got %d", m.Len())
	}
	if counts := m.Routes(); counts["a"] != 2 {
		t.Fatalf("Unexpected route counts after failed replace: %v", counts)
	}
}

func TestHybridBlending(t *testing.T) {
	m := NewHybrid()
	insertOne(t, m, "dense-ish", "u1", []float32{1, 0}, encoder.SparseVector{"other": 1})
	insertOne(t, m, "sparse-ish", "u2", []float32{0, 1}, encoder.SparseVector{"term": 1})

	query := Query{
		Dense:  []float32{1, 0},
		Sparse: encoder.SparseVector{"term": 1},
		TopK:   2,
		Alpha:  0.5,
	}
	hits, err := m.Search(query)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// Both entries end up at 0.5: dense 1.0 vs sparse 1.0 at equal weight.
	if math.Abs(hits[0].Score-0.5) > 1e-6 || math.Abs(hits[1].Score-0.5) > 1e-6 {
		t.Fatalf("Expected blended scores 0.5, got %f and %f", hits[0].Score, hits[1].Score)
	}

	// Raising alpha must favor the dense match.
	query.Alpha = 0.9
	hits, _ = m.Search(query)
	if hits[0].Route != "dense-ish" {
		t.Fatalf("Expected dense winner at alpha 0.9, got %s", hits[0].Route)
	}
}

func TestHybridAlphaOneMatchesDense(t *testing.T) {
	vecs := [][]float32{{0.9, 0.1}, {0.5, 0.5}, {0.1, 0.9}}
	sparse := []encoder.SparseVector{{"x": 1}, {"y": 2}, {"z": 3}}

	dense := NewMemory()
	hybrid := NewHybrid()
	for i, v := range vecs {
		insertOne(t, dense, "r", "u", v, nil)
		insertOne(t, hybrid, "r", "u", v, sparse[i])
	}

	q := []float32{0.7, 0.3}
	dh, err := dense.Search(Query{Dense: q, TopK: 3})
	if err != nil {
		t.Fatalf("dense Search: %v", err)
	}
	hh, err := hybrid.Search(Query{Dense: q, Sparse: encoder.SparseVector{"x": 1}, TopK: 3, Alpha: 1})
	if err != nil {
		t.Fatalf("hybrid Search: %v", err)
	}
	for i := range dh {
		if dh[i].Score != hh[i].Score {
			t.Fatalf("Alpha=1 diverged from dense at %d: %v vs %v", i, dh[i].Score, hh[i].Score)
		}
	}
}

func TestHybridNilSparseQueryDegradesToDense(t *testing.T) {
	m := NewHybrid()
	insertOne(t, m, "a", "u1", []float32{1, 0}, encoder.SparseVector{"term": 5})

	hits, err := m.Search(Query{Dense: []float32{1, 0}, TopK: 1, Alpha: 0.1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Fatalf("Expected pure dense score 1.0, got %f", hits[0].Score)
	}
}

func TestHybridMissingEntrySparseScoresZero(t *testing.T) {
	m := NewHybrid()
	if err := m.Insert("a", []string{"u1"}, [][]float32{{1, 0}}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	hits, err := m.Search(Query{
		Dense:  []float32{1, 0},
		Sparse: encoder.SparseVector{"term": 1},
		TopK:   1,
		Alpha:  0.5,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if math.Abs(hits[0].Score-0.5) > 1e-6 {
		t.Fatalf("Expected 0.5*dense with zero sparse, got %f", hits[0].Score)
	}
}

func TestMemoryInsertValidation(t *testing.T) {
	m := NewMemory()

	if err := m.Insert("", []string{"u"}, [][]float32{{1}}, nil); err == nil {
		t.Fatal("Expected error for empty route")
	}
	if err := m.Insert("r", nil, nil, nil); err == nil {
		t.Fatal("Expected error for no utterances")
	}
	if err := m.Insert("r", []string{"u", "v"}, [][]float32{{1}}, nil); err == nil {
		t.Fatal("Expected error for dense length mismatch")
	}
	if err := m.Insert("r", []string{"u"}, [][]float32{{1}}, []encoder.SparseVector{{}, {}}); err == nil {
		t.Fatal("Expected error for sparse length mismatch")
	}
}

func TestNormalizedDot(t *testing.T) {
	a := encoder.SparseVector{"x": 2, "y": 2}
	if got := NormalizedDot(a, a); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("Self-similarity should be 1, got %f", got)
	}
	b := encoder.SparseVector{"z": 3}
	if got := NormalizedDot(a, b); got != 0 {
		t.Fatalf("Disjoint vectors should score 0, got %f", got)
	}
	if got := NormalizedDot(nil, a); got != 0 {
		t.Fatalf("Nil query should score 0, got %f", got)
	}
}
