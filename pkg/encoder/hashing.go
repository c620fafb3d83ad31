package encoder

import (
	"context"
	"hash/fnv"
	"math"
)

// HashingEncoder is a deterministic in-process Embedder. Every token is
// hashed onto a single axis of the vector space and a text embeds to the
// normalized sum of its token axes, so identical texts produce identical
// vectors and token overlap translates directly into cosine similarity.
//
// It needs no network or model weights, which makes it the default encoder
// for tests and offline use. It captures lexical overlap only, not meaning.
type HashingEncoder struct {
	dimensions int
}

// NewHashingEncoder creates a hashing encoder with the given dimensionality.
// Dimensions that are too small raise the token collision rate; 1024 is a
// reasonable floor for realistic vocabularies.
func NewHashingEncoder(dimensions int) *HashingEncoder {
	if dimensions <= 0 {
		dimensions = 1024
	}
	return &HashingEncoder{dimensions: dimensions}
}

// Embed converts text into a normalized bag-of-tokens vector.
func (h *HashingEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimensions)
	for _, token := range Tokenize(text) {
		vec[h.axis(token)]++
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		// No tokens survive tokenization; fall back to hashing the raw text
		// so empty-ish inputs still embed deterministically.
		vec[h.axis(text)] = 1
		return vec, nil
	}

	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (h *HashingEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimensions returns the embedding dimensionality.
func (h *HashingEncoder) Dimensions() int { return h.dimensions }

func (h *HashingEncoder) axis(token string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(token))
	return int(f.Sum32() % uint32(h.dimensions))
}
