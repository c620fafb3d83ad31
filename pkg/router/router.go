// Package router implements hybrid semantic routing: queries are matched
// against named routes by embedding similarity, optionally blended with a
// sparse lexical signal, and accepted or rejected against per-route
// thresholds. Thresholds can be fitted from labeled examples and the whole
// router state snapshotted to disk.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liliang-cn/semroute/pkg/encoder"
	"github.com/liliang-cn/semroute/pkg/index"
)

// Defaults applied when the corresponding option is not given.
const (
	DefaultThreshold = 0.7
	DefaultTopK      = 5
	DefaultAlpha     = 0.7
)

// Config holds router tunables.
type Config struct {
	// DefaultThreshold applies to routes without their own threshold.
	DefaultThreshold float64
	// TopK is how many utterance hits are retrieved per query.
	TopK int
	// Alpha weights dense vs sparse scores in hybrid mode:
	// score = alpha*dense + (1-alpha)*sparse. 1 means dense only.
	Alpha float64
	// EncoderName is recorded in snapshots.
	EncoderName string
}

// Router matches queries to routes over a vector index.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]*Route
	order    []string
	training map[string][]string

	idx      index.Index
	embedder encoder.Embedder
	sparse   encoder.SparseEncoder

	cfg    Config
	logger Logger
}

// Option configures a Router.
type Option func(*Router)

// WithDefaultThreshold sets the default acceptance threshold. Out-of-range
// values are clamped to [0,1] during construction.
func WithDefaultThreshold(t float64) Option {
	return func(r *Router) { r.cfg.DefaultThreshold = t }
}

// WithTopK sets how many utterance hits are retrieved per query.
func WithTopK(k int) Option {
	return func(r *Router) {
		if k > 0 {
			r.cfg.TopK = k
		}
	}
}

// WithAlpha sets the dense/sparse blend weight.
func WithAlpha(alpha float64) Option {
	return func(r *Router) { r.cfg.Alpha = alpha }
}

// WithSparseEncoder enables hybrid scoring with the given sparse encoder.
func WithSparseEncoder(s encoder.SparseEncoder) Option {
	return func(r *Router) { r.sparse = s }
}

// WithIndex replaces the default in-memory index, e.g. with a persistent one.
func WithIndex(idx index.Index) Option {
	return func(r *Router) { r.idx = idx }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEncoderName overrides the encoder name recorded in snapshots.
func WithEncoderName(name string) Option {
	return func(r *Router) { r.cfg.EncoderName = name }
}

// New creates a Router over the given embedder. Without WithIndex it uses an
// in-memory index, hybrid when a sparse encoder is configured.
func New(embedder encoder.Embedder, opts ...Option) (*Router, error) {
	if embedder == nil {
		return nil, wrapError("new", errors.New("embedder is required"))
	}

	r := &Router{
		routes:   make(map[string]*Route),
		embedder: embedder,
		cfg: Config{
			DefaultThreshold: DefaultThreshold,
			TopK:             DefaultTopK,
			Alpha:            DefaultAlpha,
		},
		logger: NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cfg.DefaultThreshold = r.clampThreshold("default", r.cfg.DefaultThreshold)
	if r.cfg.Alpha < 0 {
		r.cfg.Alpha = 0
	} else if r.cfg.Alpha > 1 {
		r.cfg.Alpha = 1
	}

	if r.idx == nil {
		if r.sparse != nil {
			r.idx = index.NewHybrid()
		} else {
			r.idx = index.NewMemory()
		}
	}
	if r.cfg.EncoderName == "" {
		if m, ok := embedder.(interface{ Model() string }); ok {
			r.cfg.EncoderName = m.Model()
		}
		if r.cfg.EncoderName == "" {
			r.cfg.EncoderName = "unknown"
		}
	}
	return r, nil
}

// clampThreshold forces t into [0,1], logging when clamping happens.
func (r *Router) clampThreshold(name string, t float64) float64 {
	if t >= 0 && t <= 1 {
		return t
	}
	clamped := t
	if clamped < 0 {
		clamped = 0
	} else if clamped > 1 {
		clamped = 1
	}
	r.logger.Warn("threshold clamped", "route", name, "value", t, "clamped", clamped)
	return clamped
}

// Hybrid reports whether sparse scoring is enabled.
func (r *Router) Hybrid() bool { return r.sparse != nil }

// Alpha returns the dense/sparse blend weight.
func (r *Router) Alpha() float64 { return r.cfg.Alpha }

// Add registers a route and indexes its utterances. Encoding happens before
// any state changes, so a failed Add leaves the router untouched.
func (r *Router) Add(ctx context.Context, route *Route) error {
	if err := validateRoute(route); err != nil {
		return wrapError("add", err)
	}

	r.mu.RLock()
	_, exists := r.routes[route.Name]
	r.mu.RUnlock()
	if exists {
		return wrapError("add", fmt.Errorf("%w: %s", ErrDuplicateRoute, route.Name))
	}

	dense, sparse, err := r.encodeUtterances(ctx, route.Utterances)
	if err != nil {
		return wrapError("add", err)
	}
	return r.install(route, dense, sparse)
}

// AddBatch registers several routes, stopping at the first failure.
func (r *Router) AddBatch(ctx context.Context, routes []*Route) error {
	for _, route := range routes {
		if err := r.Add(ctx, route); err != nil {
			return err
		}
	}
	return nil
}

// install indexes pre-encoded utterances and registers the route.
func (r *Router) install(route *Route, dense [][]float32, sparse []encoder.SparseVector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[route.Name]; exists {
		return wrapError("add", fmt.Errorf("%w: %s", ErrDuplicateRoute, route.Name))
	}
	if err := r.idx.Insert(route.Name, route.Utterances, dense, sparse); err != nil {
		return wrapError("add", err)
	}
	if route.ScoreThreshold != nil {
		t := r.clampThreshold(route.Name, *route.ScoreThreshold)
		route.ScoreThreshold = &t
	}
	r.routes[route.Name] = route
	r.order = append(r.order, route.Name)
	r.logger.Debug("route added", "name", route.Name, "utterances", len(route.Utterances))
	return nil
}

// Update replaces a route's utterances. Encoding happens first and the index
// swap is atomic, so a failure at any point leaves the route and its vectors
// as they were.
func (r *Router) Update(ctx context.Context, name string, utterances []string) error {
	r.mu.RLock()
	_, exists := r.routes[name]
	r.mu.RUnlock()
	if !exists {
		return wrapError("update", fmt.Errorf("%w: %s", ErrRouteNotFound, name))
	}
	if len(utterances) == 0 {
		return wrapError("update", errors.New("at least one utterance is required"))
	}

	dense, sparse, err := r.encodeUtterances(ctx, utterances)
	if err != nil {
		return wrapError("update", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	route, exists := r.routes[name]
	if !exists {
		return wrapError("update", fmt.Errorf("%w: %s", ErrRouteNotFound, name))
	}
	if err := r.idx.Replace(name, utterances, dense, sparse); err != nil {
		return wrapError("update", err)
	}
	route.Utterances = utterances
	r.logger.Debug("route updated", "name", name, "utterances", len(utterances))
	return nil
}

// Remove deletes a route and its index entries.
func (r *Router) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[name]; !exists {
		return wrapError("remove", fmt.Errorf("%w: %s", ErrRouteNotFound, name))
	}
	if err := r.idx.Delete(name); err != nil {
		return wrapError("remove", err)
	}
	delete(r.routes, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Debug("route removed", "name", name)
	return nil
}

// Get returns the route with the given name, or nil if unknown.
func (r *Router) Get(name string) *Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes[name]
}

// List returns route names in the order they were added.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// SetThreshold sets a route-specific threshold, clamped to [0,1].
func (r *Router) SetThreshold(name string, threshold float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, exists := r.routes[name]
	if !exists {
		return wrapError("set_threshold", fmt.Errorf("%w: %s", ErrRouteNotFound, name))
	}
	t := r.clampThreshold(name, threshold)
	route.ScoreThreshold = &t
	return nil
}

// Thresholds returns the effective threshold for every route, resolving
// routes without their own threshold to the default.
func (r *Router) Thresholds() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]float64, len(r.routes))
	for name, route := range r.routes {
		if route.ScoreThreshold != nil {
			out[name] = *route.ScoreThreshold
		} else {
			out[name] = r.cfg.DefaultThreshold
		}
	}
	return out
}

// effectiveThreshold resolves the threshold for one route. Caller holds
// at least a read lock.
func (r *Router) effectiveThreshold(name string) float64 {
	if route, ok := r.routes[name]; ok && route.ScoreThreshold != nil {
		return *route.ScoreThreshold
	}
	return r.cfg.DefaultThreshold
}

// encodeUtterances embeds a batch of utterances, plus sparse vectors when
// hybrid scoring is on.
func (r *Router) encodeUtterances(ctx context.Context, utterances []string) ([][]float32, []encoder.SparseVector, error) {
	dense, err := r.embedder.EmbedBatch(ctx, utterances)
	if err != nil {
		return nil, nil, tagEncodingFailure(err)
	}
	if len(dense) != len(utterances) {
		return nil, nil, fmt.Errorf("%w: got %d vectors for %d utterances",
			encoder.ErrEncodingFailure, len(dense), len(utterances))
	}
	var sparse []encoder.SparseVector
	if r.sparse != nil {
		sparse = r.sparse.EncodeSparseBatch(utterances)
	}
	return dense, sparse, nil
}

// tagEncodingFailure ensures embedder errors carry ErrEncodingFailure so
// callers can test with errors.Is regardless of the embedder implementation.
func tagEncodingFailure(err error) error {
	if err == nil || errors.Is(err, encoder.ErrEncodingFailure) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", encoder.ErrEncodingFailure, err)
}

// validateRoute checks the structural requirements for a route.
func validateRoute(route *Route) error {
	if route == nil {
		return errors.New("route cannot be nil")
	}
	if route.Name == "" {
		return errors.New("route name cannot be empty")
	}
	if len(route.Utterances) == 0 {
		return fmt.Errorf("route %s: at least one utterance is required", route.Name)
	}
	for i, u := range route.Utterances {
		if u == "" {
			return fmt.Errorf("route %s: utterance %d is empty", route.Name, i)
		}
	}
	return nil
}
