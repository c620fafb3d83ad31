// Package encoder defines the dense and sparse encoding capabilities consumed
// by the routing engine, together with ready-made implementations: an
// OpenAI-compatible HTTP client, a deterministic in-process hashing encoder,
// a memoizing wrapper, and BM25 / TF-IDF sparse encoders.
//
// Dense and sparse encoders are independent capabilities: a dense-only router
// needs an Embedder, a hybrid router needs both.
package encoder

import (
	"context"
	"errors"
	"math"
)

// ErrEncodingFailure is wrapped by every error returned from an encoding
// call. Callers can detect it with errors.Is and abort the in-flight
// decision without touching router or index state.
var ErrEncodingFailure = errors.New("encoding failed")

// Embedder converts text into dense vector embeddings.
type Embedder interface {
	// Embed converts a single text string into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple text strings into vector embeddings,
	// preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of the embedding vectors.
	Dimensions() int
}

// SparseVector maps a term to its weight. Entries absent from the map have
// weight zero.
type SparseVector map[string]float64

// SparseEncoder converts text into sparse term-weight vectors.
type SparseEncoder interface {
	// EncodeSparse converts text into a sparse vector representation.
	EncodeSparse(text string) SparseVector

	// EncodeSparseBatch converts multiple texts into sparse vectors.
	EncodeSparseBatch(texts []string) []SparseVector
}

// Dot returns the dot product of two sparse vectors. Terms present in only
// one vector contribute nothing.
func (v SparseVector) Dot(other SparseVector) float64 {
	if len(v) > len(other) {
		v, other = other, v
	}
	var sum float64
	for term, w := range v {
		sum += w * other[term]
	}
	return sum
}

// Norm returns the Euclidean norm of the sparse vector.
func (v SparseVector) Norm() float64 {
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}
