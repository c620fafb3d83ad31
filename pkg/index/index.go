// Package index implements the vector indexes backing the routing engine:
// an in-memory brute-force index in dense-only and hybrid dense+sparse
// variants, and a sqlite-backed index that persists entries across restarts.
//
// An index stores one entry per route utterance and answers top-k similarity
// queries. Dense vectors are L2-normalized at insertion time so that a plain
// dot product equals cosine similarity. Result ordering is deterministic:
// descending score, with insertion order breaking ties.
package index

import (
	"errors"
	"fmt"

	"github.com/liliang-cn/semroute/pkg/encoder"
)

// Errors returned by index operations.
var (
	// ErrDimensionMismatch is returned when a dense vector disagrees with the
	// dimension pinned at first insertion. The insert is rejected as a whole.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrClosed is returned when using a closed persistent index.
	ErrClosed = errors.New("index is closed")
)

// Entry is one stored utterance vector, tagged with its owning route. The
// index holds derived vectors only; it does not own Route objects.
type Entry struct {
	ID        string
	Route     string
	Utterance string
	Dense     []float32
	Sparse    encoder.SparseVector // nil in the dense-only variant
}

// Hit is one query result. Score is the value results are ranked by; Dense
// and Sparse carry the unblended component scores for diagnostics.
type Hit struct {
	Route     string
	Utterance string
	Score     float64
	Dense     float64
	Sparse    float64
}

// Query describes one top-k similarity search.
type Query struct {
	Dense  []float32
	Sparse encoder.SparseVector // nil degrades a hybrid index to dense scoring
	TopK   int
	Routes []string // optional filter; nil means all routes
	Alpha  float64  // dense weight in [0,1]; ignored by dense-only indexes
}

// Index stores embedded utterances and answers nearest-neighbor queries.
// Mutations require exclusive access; Search calls on a stable index may run
// concurrently.
type Index interface {
	// Insert appends one entry per utterance. sparse may be nil for
	// dense-only operation; otherwise it must match utterances in length.
	Insert(route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error

	// Delete removes all entries tagged with the route. Deleting a route
	// with no entries is a no-op, not an error.
	Delete(route string) error

	// Replace atomically swaps the route's entries for new ones. A failed
	// call leaves the previous entries in place.
	Replace(route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error

	// Search returns up to q.TopK hits ordered by descending score. An empty
	// index yields an empty result.
	Search(q Query) ([]Hit, error)

	// Len returns the number of stored entries.
	Len() int

	// Routes returns the entry count per route.
	Routes() map[string]int

	// Entries returns a copy of all stored entries in insertion order.
	Entries() []Entry
}

// SparseScorer computes similarity between a sparse query vector and a stored
// sparse vector. Implementations must be monotonic in term overlap and term
// weight.
type SparseScorer func(query, stored encoder.SparseVector) float64

// NormalizedDot is the default SparseScorer: the dot product scaled by both
// norms, i.e. cosine similarity over sparse term weights.
func NormalizedDot(query, stored encoder.SparseVector) float64 {
	if len(query) == 0 || len(stored) == 0 {
		return 0
	}
	qn, sn := query.Norm(), stored.Norm()
	if qn == 0 || sn == 0 {
		return 0
	}
	return query.Dot(stored) / (qn * sn)
}

func validateInsert(route string, utterances []string, dense [][]float32, sparse []encoder.SparseVector) error {
	if route == "" {
		return fmt.Errorf("route name cannot be empty")
	}
	if len(utterances) == 0 {
		return fmt.Errorf("route %q has no utterances", route)
	}
	if len(dense) != len(utterances) {
		return fmt.Errorf("route %q: %d dense vectors for %d utterances", route, len(dense), len(utterances))
	}
	if sparse != nil && len(sparse) != len(utterances) {
		return fmt.Errorf("route %q: %d sparse vectors for %d utterances", route, len(sparse), len(utterances))
	}
	return nil
}
