package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/liliang-cn/semroute/pkg/encoder"
	"github.com/liliang-cn/semroute/pkg/index"
)

func newTestRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	r, err := New(encoder.NewHashingEncoder(1024), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

// failingEmbedder errors on every call, for exercising rollback paths.
type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedder offline")
}

func (failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedder offline")
}

func (failingEmbedder) Dimensions() int { return 0 }

func TestNewRequiresEmbedder(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("Expected error for nil embedder")
	}
}

func TestAddAndList(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	routes := []*Route{
		{Name: "greeting", Utterances: []string{"hello there", "good morning"}},
		{Name: "farewell", Utterances: []string{"goodbye now"}},
	}
	if err := r.AddBatch(ctx, routes); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	names := r.List()
	if len(names) != 2 || names[0] != "greeting" || names[1] != "farewell" {
		t.Fatalf("List order wrong: %v", names)
	}
	if r.Len() != 2 {
		t.Fatalf("Expected 2 routes, got %d", r.Len())
	}
	if got := r.Get("greeting"); got == nil || len(got.Utterances) != 2 {
		t.Fatalf("Get returned %+v", got)
	}
	if r.Get("missing") != nil {
		t.Fatal("Get for unknown route should return nil")
	}
}

func TestAddDuplicate(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	if err := r.Add(ctx, &Route{Name: "dup", Utterances: []string{"first version"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := r.Add(ctx, &Route{Name: "dup", Utterances: []string{"second version"}})
	if !errors.Is(err, ErrDuplicateRoute) {
		t.Fatalf("Expected ErrDuplicateRoute, got %v", err)
	}
}

func TestAddValidation(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		route *Route
	}{
		{"nil route", nil},
		{"empty name", &Route{Utterances: []string{"something"}}},
		{"no utterances", &Route{Name: "empty"}},
		{"blank utterance", &Route{Name: "blank", Utterances: []string{""}}},
	}
	for _, tt := range tests {
		if err := r.Add(ctx, tt.route); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestAddFailedEncodeLeavesNoState(t *testing.T) {
	r, err := New(failingEmbedder{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = r.Add(context.Background(), &Route{Name: "broken", Utterances: []string{"anything"}})
	if !errors.Is(err, encoder.ErrEncodingFailure) {
		t.Fatalf("Expected ErrEncodingFailure, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Failed add left %d routes behind", r.Len())
	}
}

func TestRemove(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	if err := r.Add(ctx, &Route{Name: "doomed", Utterances: []string{"delete me soon"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Remove("doomed"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Expected 0 routes, got %d", r.Len())
	}
	if err := r.Remove("doomed"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("Expected ErrRouteNotFound, got %v", err)
	}
}

func TestUpdateReplacesUtterances(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	if err := r.Add(ctx, &Route{Name: "support", Utterances: []string{"old phrasing here"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Update(ctx, "support", []string{"brand new phrasing"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	choice, err := r.Route(ctx, "brand new phrasing")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !choice.Matched || choice.Name != "support" {
		t.Fatalf("Updated utterance did not match: %+v", choice)
	}

	// The old utterance must be gone from the index.
	choice, _ = r.Route(ctx, "old phrasing here")
	if choice.Score > 0.99 {
		t.Fatalf("Old utterance still indexed, score %f", choice.Score)
	}
}

// swappableEmbedder delegates to an inner embedder the test can swap out,
// simulating an embedding provider whose dimensionality changes under us.
type swappableEmbedder struct {
	inner encoder.Embedder
}

func (s *swappableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.inner.Embed(ctx, text)
}

func (s *swappableEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return s.inner.EmbedBatch(ctx, texts)
}

func (s *swappableEmbedder) Dimensions() int { return s.inner.Dimensions() }

func TestUpdateFailedInsertKeepsOldVectors(t *testing.T) {
	emb := &swappableEmbedder{inner: encoder.NewHashingEncoder(256)}
	idx := index.NewMemory()
	r, err := New(emb, WithIndex(idx), WithDefaultThreshold(0.5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	utterances := []string{"hello there", "good morning"}
	if err := r.Add(ctx, &Route{Name: "greeting", Utterances: utterances}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// New utterances now encode at a different dimension than the index
	// pinned at first insert, so the swap must fail.
	emb.inner = encoder.NewHashingEncoder(512)
	err = r.Update(ctx, "greeting", []string{"hey friend"})
	if !errors.Is(err, index.ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}

	// The route's metadata and index entries must be exactly as before.
	if got := r.Get("greeting"); got == nil || len(got.Utterances) != 2 || got.Utterances[0] != "hello there" {
		t.Fatalf("Route metadata changed after failed update: %+v", got)
	}
	if idx.Len() != 2 {
		t.Fatalf("Expected 2 index entries after failed update, got %d", idx.Len())
	}
	if got := idx.Routes()["greeting"]; got != 2 {
		t.Fatalf("Expected 2 entries for greeting, got %d", got)
	}

	emb.inner = encoder.NewHashingEncoder(256)
	choice, err := r.Route(ctx, "hello there")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !choice.Matched || choice.Name != "greeting" {
		t.Fatalf("Old vectors unusable after failed update: %+v", choice)
	}
}

func TestUpdateUnknownRoute(t *testing.T) {
	r := newTestRouter(t)
	err := r.Update(context.Background(), "ghost", []string{"anything"})
	if !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("Expected ErrRouteNotFound, got %v", err)
	}
}

func TestThresholds(t *testing.T) {
	r := newTestRouter(t, WithDefaultThreshold(0.6))
	ctx := context.Background()

	custom := 0.85
	if err := r.AddBatch(ctx, []*Route{
		{Name: "strict", Utterances: []string{"utterance one"}, ScoreThreshold: &custom},
		{Name: "lenient", Utterances: []string{"utterance two"}},
	}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	th := r.Thresholds()
	if th["strict"] != 0.85 {
		t.Fatalf("Expected 0.85 for strict, got %f", th["strict"])
	}
	if th["lenient"] != 0.6 {
		t.Fatalf("Expected default 0.6 for lenient, got %f", th["lenient"])
	}

	if err := r.SetThreshold("lenient", 0.4); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if got := r.Thresholds()["lenient"]; got != 0.4 {
		t.Fatalf("Expected 0.4 after SetThreshold, got %f", got)
	}
	if err := r.SetThreshold("ghost", 0.5); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("Expected ErrRouteNotFound, got %v", err)
	}
}

func TestThresholdClamping(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	tooHigh := 1.7
	if err := r.Add(ctx, &Route{Name: "clamped", Utterances: []string{"some utterance"}, ScoreThreshold: &tooHigh}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := r.Thresholds()["clamped"]; got != 1 {
		t.Fatalf("Expected threshold clamped to 1, got %f", got)
	}

	if err := r.SetThreshold("clamped", -0.3); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if got := r.Thresholds()["clamped"]; got != 0 {
		t.Fatalf("Expected threshold clamped to 0, got %f", got)
	}
}
