package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// embeddingsHandler serves a fixed-dimension OpenAI-style embeddings
// endpoint, answering each input with a vector derived from its length.
func embeddingsHandler(t *testing.T, dim int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Unexpected auth header %q", auth)
		}

		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request body: %v", err)
		}

		var resp embeddingsResponse
		for i, text := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(len(text))
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: vec})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestHTTPEncoderEmbed(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, 8))
	defer srv.Close()

	enc, err := NewHTTPEncoder(WithBaseURL(srv.URL), WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewHTTPEncoder: %v", err)
	}

	vec, err := enc.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("Expected 8 dimensions, got %d", len(vec))
	}
	if vec[0] != 5 {
		t.Fatalf("Unexpected vector content: %v", vec)
	}
	// Dimension is learned from the first response.
	if enc.Dimensions() != 8 {
		t.Fatalf("Expected learned dimension 8, got %d", enc.Dimensions())
	}
}

func TestHTTPEncoderBatchSplitting(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		embeddingsHandler(t, 4)(w, r)
	}))
	defer srv.Close()

	enc, err := NewHTTPEncoder(WithBaseURL(srv.URL), WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewHTTPEncoder: %v", err)
	}

	texts := make([]string, maxBatch+5)
	for i := range texts {
		texts[i] = "text"
	}
	vectors, err := enc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("Expected %d vectors, got %d", len(texts), len(vectors))
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Fatalf("Expected 2 requests for %d texts, got %d", len(texts), got)
	}
}

func TestHTTPEncoderRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		embeddingsHandler(t, 4)(w, r)
	}))
	defer srv.Close()

	enc, err := NewHTTPEncoder(WithBaseURL(srv.URL), WithAPIKey("test-key"), WithMaxRetries(2))
	if err != nil {
		t.Fatalf("NewHTTPEncoder: %v", err)
	}

	if _, err := enc.Embed(context.Background(), "retry me"); err != nil {
		t.Fatalf("Embed with retry: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("Expected 2 attempts, got %d", got)
	}
}

func TestHTTPEncoderGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	enc, err := NewHTTPEncoder(WithBaseURL(srv.URL), WithAPIKey("test-key"), WithMaxRetries(1))
	if err != nil {
		t.Fatalf("NewHTTPEncoder: %v", err)
	}

	_, err = enc.Embed(context.Background(), "doomed")
	if !errors.Is(err, ErrEncodingFailure) {
		t.Fatalf("Expected ErrEncodingFailure, got %v", err)
	}
}

func TestHTTPEncoderConcurrentEmbed(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, 8))
	defer srv.Close()

	enc, err := NewHTTPEncoder(WithBaseURL(srv.URL), WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewHTTPEncoder: %v", err)
	}

	// All callers race to learn the dimension from their first response.
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vec, err := enc.Embed(context.Background(), fmt.Sprintf("query %d", i))
			if err != nil {
				errs <- err
				return
			}
			if len(vec) != 8 {
				errs <- fmt.Errorf("got %d dimensions, want 8", len(vec))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Concurrent Embed: %v", err)
	}
	if enc.Dimensions() != 8 {
		t.Fatalf("Expected learned dimension 8, got %d", enc.Dimensions())
	}
}

func TestHTTPEncoderDimensionConsistency(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, 4))
	defer srv.Close()

	enc, err := NewHTTPEncoder(WithBaseURL(srv.URL), WithAPIKey("test-key"), WithDimensions(16))
	if err != nil {
		t.Fatalf("NewHTTPEncoder: %v", err)
	}

	_, err = enc.Embed(context.Background(), "wrong size")
	if !errors.Is(err, ErrEncodingFailure) {
		t.Fatalf("Expected ErrEncodingFailure for dimension mismatch, got %v", err)
	}
}

func TestHTTPEncoderRequiresAPIKey(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "")
	if _, err := NewHTTPEncoder(); err == nil {
		t.Fatal("Expected error without API key")
	}
	t.Setenv("SILICONFLOW_API_KEY", "from-env")
	if _, err := NewHTTPEncoder(); err != nil {
		t.Fatalf("Expected env key to satisfy constructor, got %v", err)
	}
}

func TestDefaultThreshold(t *testing.T) {
	tests := []struct {
		model string
		want  float64
	}{
		{"BAAI/bge-large-zh-v1.5", 0.7},
		{"text-embedding-ada-002", 0.82},
		{"text-embedding-3-small", 0.3},
		{"some-unknown-model", 0.7},
	}
	for _, tt := range tests {
		if got := DefaultThreshold(tt.model); math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("DefaultThreshold(%s) = %f, want %f", tt.model, got, tt.want)
		}
	}
}

func TestHTTPEncoderEmptyBatch(t *testing.T) {
	enc, err := NewHTTPEncoder(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewHTTPEncoder: %v", err)
	}
	vectors, err := enc.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if len(vectors) != 0 {
		t.Fatalf("Expected no vectors, got %d", len(vectors))
	}
}
