package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

const (
	// DefaultBaseURL targets an OpenAI-compatible embeddings endpoint.
	DefaultBaseURL = "https://api.siliconflow.cn/v1"

	// DefaultModel is a Chinese-first BGE model; see ModelInfo for others.
	DefaultModel = "BAAI/bge-large-zh-v1.5"

	// maxBatch is the provider-side limit per embeddings request.
	maxBatch = 30

	defaultMaxRetries = 3
	baseBackoff       = time.Second
)

// ModelInfo describes a known embedding model.
type ModelInfo struct {
	Name       string
	TokenLimit int
	Threshold  float64
}

// knownModels carries per-model routing score thresholds. Models absent from
// the table fall back to 0.7.
var knownModels = map[string]ModelInfo{
	"BAAI/bge-large-zh-v1.5": {Name: "BAAI/bge-large-zh-v1.5", TokenLimit: 512, Threshold: 0.7},
	"BAAI/bge-base-zh-v1.5":  {Name: "BAAI/bge-base-zh-v1.5", TokenLimit: 512, Threshold: 0.7},
	"BAAI/bge-small-zh-v1.5": {Name: "BAAI/bge-small-zh-v1.5", TokenLimit: 512, Threshold: 0.7},
	"BAAI/bge-large-en-v1.5": {Name: "BAAI/bge-large-en-v1.5", TokenLimit: 512, Threshold: 0.7},
	"text-embedding-ada-002": {Name: "text-embedding-ada-002", TokenLimit: 8192, Threshold: 0.82},
	"text-embedding-3-small": {Name: "text-embedding-3-small", TokenLimit: 8192, Threshold: 0.3},
	"text-embedding-3-large": {Name: "text-embedding-3-large", TokenLimit: 8192, Threshold: 0.3},
}

// DefaultThreshold returns the recommended routing threshold for a model.
func DefaultThreshold(model string) float64 {
	if info, ok := knownModels[model]; ok {
		return info.Threshold
	}
	return 0.7
}

// HTTPEncoder is an Embedder backed by an OpenAI-compatible /embeddings
// endpoint. Requests are batched (provider limit 30) and retried with
// exponential backoff. It is safe for concurrent use.
type HTTPEncoder struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	client     *http.Client

	// dimensions is learned from the first response when not configured.
	// Concurrent EmbedBatch calls may race to learn it, so it is atomic.
	dimensions atomic.Int64
}

// HTTPOption configures an HTTPEncoder.
type HTTPOption func(*HTTPEncoder)

// WithBaseURL overrides the endpoint base URL.
func WithBaseURL(url string) HTTPOption {
	return func(e *HTTPEncoder) { e.baseURL = url }
}

// WithAPIKey sets the bearer token. Defaults to $SILICONFLOW_API_KEY.
func WithAPIKey(key string) HTTPOption {
	return func(e *HTTPEncoder) { e.apiKey = key }
}

// WithModel selects the embedding model.
func WithModel(model string) HTTPOption {
	return func(e *HTTPEncoder) { e.model = model }
}

// WithDimensions declares the embedding dimensionality up front. When unset
// it is learned from the first successful response.
func WithDimensions(dim int) HTTPOption {
	return func(e *HTTPEncoder) { e.dimensions.Store(int64(dim)) }
}

// WithMaxRetries bounds retry attempts per batch.
func WithMaxRetries(n int) HTTPOption {
	return func(e *HTTPEncoder) { e.maxRetries = n }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPEncoder) { e.client = c }
}

// NewHTTPEncoder creates an encoder for an OpenAI-compatible embeddings API.
func NewHTTPEncoder(opts ...HTTPOption) (*HTTPEncoder, error) {
	e := &HTTPEncoder{
		baseURL:    DefaultBaseURL,
		apiKey:     os.Getenv("SILICONFLOW_API_KEY"),
		model:      DefaultModel,
		maxRetries: defaultMaxRetries,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.apiKey == "" {
		return nil, fmt.Errorf("%w: API key not set", ErrEncodingFailure)
	}
	return e, nil
}

// Model returns the configured model name.
func (e *HTTPEncoder) Model() string { return e.model }

// Dimensions returns the embedding dimensionality, or 0 when it has not been
// configured or learned yet.
func (e *HTTPEncoder) Dimensions() int { return int(e.dimensions.Load()) }

// Embed converts a single text string into a vector embedding.
func (e *HTTPEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in provider-sized batches, preserving order.
func (e *HTTPEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	all := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := start + maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, vectors...)
	}

	for _, v := range all {
		// The first response to land pins the dimension; losers of the swap
		// fall through to the comparison against the pinned value.
		if e.dimensions.CompareAndSwap(0, int64(len(v))) {
			continue
		}
		if dim := e.dimensions.Load(); int64(len(v)) != dim {
			return nil, fmt.Errorf("%w: inconsistent embedding dimension %d (want %d)",
				ErrEncodingFailure, len(v), dim)
		}
	}
	return all, nil
}

func (e *HTTPEncoder) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	backoff := baseBackoff

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		vectors, err := e.callAPI(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodingFailure, ctx.Err())
		}
		if attempt < e.maxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrEncodingFailure, ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}
	return nil, fmt.Errorf("%w after %d retries: %v", ErrEncodingFailure, e.maxRetries, lastErr)
}

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEncoder) callAPI(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Input: batch, Model: e.model})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings API status %d: %s", resp.StatusCode, msg)
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(parsed.Data) != len(batch) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs",
			len(parsed.Data), len(batch))
	}

	vectors := make([][]float32, len(batch))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
