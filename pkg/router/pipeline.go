package router

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/semroute/pkg/encoder"
	"github.com/liliang-cn/semroute/pkg/index"
)

// QueryOption adjusts a single Route call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	topK   int
	filter []string
}

// WithRouteFilter restricts matching to the named routes.
func WithRouteFilter(routes ...string) QueryOption {
	return func(o *queryOptions) { o.filter = routes }
}

// WithQueryTopK overrides the configured TopK for one query.
func WithQueryTopK(k int) QueryOption {
	return func(o *queryOptions) {
		if k > 0 {
			o.topK = k
		}
	}
}

// Route matches one query against the registered routes. A query whose best
// score falls below the winning route's threshold yields Matched=false with
// the score and candidates still populated. With no routes registered the
// result is an empty non-match.
func (r *Router) Route(ctx context.Context, text string, opts ...QueryOption) (*RouteChoice, error) {
	o := queryOptions{topK: r.cfg.TopK}
	for _, opt := range opts {
		opt(&o)
	}

	dense, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, wrapError("route", tagEncodingFailure(err))
	}
	var sparse encoder.SparseVector
	if r.sparse != nil {
		sparse = r.sparse.EncodeSparse(text)
	}
	return r.decide(dense, sparse, o)
}

// decide runs retrieval, aggregation and the threshold check under one read
// lock so the decision sees a consistent route set.
func (r *Router) decide(dense []float32, sparse encoder.SparseVector, o queryOptions) (*RouteChoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.routes) == 0 {
		return &RouteChoice{}, nil
	}

	hits, err := r.idx.Search(index.Query{
		Dense:  dense,
		Sparse: sparse,
		TopK:   o.topK,
		Routes: o.filter,
		Alpha:  r.cfg.Alpha,
	})
	if err != nil {
		return nil, wrapError("route", err)
	}

	candidates := aggregate(hits)
	if len(candidates) == 0 {
		return &RouteChoice{}, nil
	}

	best := candidates[0]
	threshold := r.effectiveThreshold(best.Route)
	choice := &RouteChoice{
		Score:      best.Score,
		Candidates: candidates,
	}
	if best.Score >= threshold {
		choice.Name = best.Route
		choice.Matched = true
		if route, ok := r.routes[best.Route]; ok {
			choice.Handler = route.Handler
		}
	} else {
		r.logger.Debug("below threshold", "route", best.Route,
			"score", best.Score, "threshold", threshold)
	}
	return choice, nil
}

// aggregate reduces ranked utterance hits to one candidate per route,
// keeping each route's maximum score. Hits arrive sorted descending, so a
// route's first occurrence is its maximum and candidate order follows hit
// order.
func aggregate(hits []index.Hit) []Candidate {
	seen := make(map[string]bool, len(hits))
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		if seen[h.Route] {
			continue
		}
		seen[h.Route] = true
		candidates = append(candidates, Candidate{Route: h.Route, Score: h.Score})
	}
	return candidates
}

// RouteBatch routes several queries concurrently, preserving input order.
// It stops at the first error.
func (r *Router) RouteBatch(ctx context.Context, texts []string, opts ...QueryOption) ([]*RouteChoice, error) {
	results := make([]*RouteChoice, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			choice, err := r.Route(ctx, text, opts...)
			if err != nil {
				return err
			}
			results[i] = choice
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Evaluate routes every record and returns the fraction predicted correctly.
// Records naming unknown routes are skipped; the second return value counts
// them. An empty or fully skipped dataset yields NaN.
func (r *Router) Evaluate(ctx context.Context, records []Record) (float64, int, error) {
	usable, skipped := r.splitUsable(records)
	if len(usable) == 0 {
		return math.NaN(), skipped, nil
	}

	scored, err := r.scoreRecords(ctx, usable)
	if err != nil {
		return 0, skipped, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	correct := 0
	for _, s := range scored {
		if predict(s, r.effectiveThreshold(s.top)) == s.expected {
			correct++
		}
	}
	return float64(correct) / float64(len(scored)), skipped, nil
}

// RouteStats is per-route evaluation detail.
type RouteStats struct {
	Total   int `json:"total"`
	Correct int `json:"correct"`
}

// Accuracy returns the fraction of this route's records predicted correctly,
// NaN when the route had none.
func (s RouteStats) Accuracy() float64 {
	if s.Total == 0 {
		return math.NaN()
	}
	return float64(s.Correct) / float64(s.Total)
}

// EvaluateByRoute breaks evaluation down per expected route. Records naming
// unknown routes are skipped.
func (r *Router) EvaluateByRoute(ctx context.Context, records []Record) (map[string]RouteStats, error) {
	usable, _ := r.splitUsable(records)
	stats := make(map[string]RouteStats)
	if len(usable) == 0 {
		return stats, nil
	}

	scored, err := r.scoreRecords(ctx, usable)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range scored {
		st := stats[s.expected]
		st.Total++
		if predict(s, r.effectiveThreshold(s.top)) == s.expected {
			st.Correct++
		}
		stats[s.expected] = st
	}
	return stats, nil
}

// scoredRecord caches one record's retrieval result so threshold sweeps
// never re-embed.
type scoredRecord struct {
	expected string
	top      string
	topScore float64
	scores   map[string]float64
}

// predict applies a threshold to a scored record. The empty string means
// no match.
func predict(s scoredRecord, threshold float64) string {
	if s.top == "" || s.topScore < threshold {
		return ""
	}
	return s.top
}

// splitUsable separates records whose label names a registered route from
// the rest.
func (r *Router) splitUsable(records []Record) ([]Record, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	usable := make([]Record, 0, len(records))
	skipped := 0
	for _, rec := range records {
		if _, ok := r.routes[rec.Route]; ok {
			usable = append(usable, rec)
		} else {
			skipped++
			r.logger.Warn("skipping record with unknown route", "route", rec.Route)
		}
	}
	return usable, skipped
}

// scoreRecords embeds and ranks every record concurrently. Results align
// with the input slice.
func (r *Router) scoreRecords(ctx context.Context, records []Record) ([]scoredRecord, error) {
	scored := make([]scoredRecord, len(records))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			dense, err := r.embedder.Embed(ctx, rec.Query)
			if err != nil {
				return wrapError("fit", tagEncodingFailure(err))
			}
			var sparse encoder.SparseVector
			if r.sparse != nil {
				sparse = r.sparse.EncodeSparse(rec.Query)
			}

			r.mu.RLock()
			hits, err := r.idx.Search(index.Query{
				Dense:  dense,
				Sparse: sparse,
				TopK:   r.cfg.TopK,
				Alpha:  r.cfg.Alpha,
			})
			r.mu.RUnlock()
			if err != nil {
				return wrapError("fit", err)
			}

			s := scoredRecord{
				expected: rec.Route,
				scores:   make(map[string]float64),
			}
			for _, c := range aggregate(hits) {
				s.scores[c.Route] = c.Score
				if s.top == "" {
					s.top = c.Route
					s.topScore = c.Score
				}
			}
			scored[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scored, nil
}
