package router

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// FitMethod selects the threshold search strategy.
type FitMethod string

const (
	// FitAutomatic runs a random local search over all thresholds at once.
	FitAutomatic FitMethod = "automatic"
	// FitManual sweeps a per-route grid maximizing per-route F1.
	FitManual FitMethod = "manual"
)

// Fit defaults.
const (
	defaultMaxIterations = 300
	defaultPatience      = 30
	defaultGridPoints    = 20

	initialStep = 0.1
	stepDecay   = 0.9
	minStep     = 0.005
)

// FitReport summarizes one threshold fitting run. Accuracies are fractions
// in [0,1], NaN when the dataset was empty or fully skipped.
type FitReport struct {
	Method              FitMethod          `json:"method"`
	InitialThresholds   map[string]float64 `json:"initial_thresholds"`
	InitialAccuracy     float64            `json:"initial_accuracy"`
	OptimizedThresholds map[string]float64 `json:"optimized_thresholds"`
	OptimizedAccuracy   float64            `json:"optimized_accuracy"`
	Improvement         float64            `json:"improvement"`
	SkippedRecords      int                `json:"skipped_records"`
}

// FitOption configures a Fit run.
type FitOption func(*fitOptions)

type fitOptions struct {
	method     FitMethod
	seed       int64
	hasSeed    bool
	maxIter    int
	patience   int
	gridPoints int
}

// WithFitMethod selects automatic or manual search.
func WithFitMethod(m FitMethod) FitOption {
	return func(o *fitOptions) { o.method = m }
}

// WithSeed fixes the random seed so automatic fitting is reproducible.
func WithSeed(seed int64) FitOption {
	return func(o *fitOptions) {
		o.seed = seed
		o.hasSeed = true
	}
}

// WithMaxIterations caps the automatic search length.
func WithMaxIterations(n int) FitOption {
	return func(o *fitOptions) {
		if n > 0 {
			o.maxIter = n
		}
	}
}

// WithPatience sets how many non-improving iterations the automatic search
// tolerates before stopping early.
func WithPatience(n int) FitOption {
	return func(o *fitOptions) {
		if n > 0 {
			o.patience = n
		}
	}
}

// WithGridPoints sets the per-route grid resolution for manual fitting.
func WithGridPoints(n int) FitOption {
	return func(o *fitOptions) {
		if n > 1 {
			o.gridPoints = n
		}
	}
}

// Fit tunes per-route thresholds against labeled records and applies the
// best set found. The result never scores worse on the given records than
// the thresholds the router started with. Records naming unknown routes are
// skipped and counted in the report.
func (r *Router) Fit(ctx context.Context, records []Record, opts ...FitOption) (*FitReport, error) {
	o := fitOptions{
		method:     FitAutomatic,
		maxIter:    defaultMaxIterations,
		patience:   defaultPatience,
		gridPoints: defaultGridPoints,
	}
	for _, opt := range opts {
		opt(&o)
	}
	switch o.method {
	case FitAutomatic, FitManual:
	default:
		return nil, wrapError("fit", fmt.Errorf("unknown fit method %q", o.method))
	}

	initial := r.Thresholds()
	report := &FitReport{
		Method:            o.method,
		InitialThresholds: initial,
	}

	usable, skipped := r.splitUsable(records)
	report.SkippedRecords = skipped
	if len(usable) == 0 {
		r.logger.Warn("fit: no usable records", "skipped", skipped)
		report.InitialAccuracy = math.NaN()
		report.OptimizedAccuracy = math.NaN()
		report.OptimizedThresholds = copyThresholds(initial)
		return report, nil
	}

	scored, err := r.scoreRecords(ctx, usable)
	if err != nil {
		return nil, err
	}
	r.recordTraining(usable)

	report.InitialAccuracy = accuracy(scored, initial)

	var best map[string]float64
	switch o.method {
	case FitAutomatic:
		best = r.fitAutomatic(scored, initial, o)
	case FitManual:
		best = r.fitManual(scored, initial, o)
	}

	bestAcc := accuracy(scored, best)
	if bestAcc < report.InitialAccuracy {
		r.logger.Warn("fit: keeping initial thresholds",
			"initial", report.InitialAccuracy, "candidate", bestAcc)
		best = copyThresholds(initial)
		bestAcc = report.InitialAccuracy
	}

	for name, t := range best {
		if err := r.SetThreshold(name, t); err != nil {
			return nil, err
		}
	}

	report.OptimizedThresholds = best
	report.OptimizedAccuracy = bestAcc
	report.Improvement = bestAcc - report.InitialAccuracy
	r.logger.Info("fit complete", "method", o.method,
		"accuracy", bestAcc, "improvement", report.Improvement)
	return report, nil
}

// recordTraining remembers the labeled examples used for fitting so they
// travel with snapshots.
func (r *Router) recordTraining(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.training == nil {
		r.training = make(map[string][]string)
	}
	for _, rec := range records {
		r.training[rec.Route] = append(r.training[rec.Route], rec.Query)
	}
}

// TrainingData returns the labeled queries seen by Fit, grouped by route.
func (r *Router) TrainingData() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.training))
	for route, queries := range r.training {
		out[route] = append([]string(nil), queries...)
	}
	return out
}

// accuracy evaluates a threshold set against pre-scored records.
func accuracy(scored []scoredRecord, thresholds map[string]float64) float64 {
	correct := 0
	for _, s := range scored {
		t, ok := thresholds[s.top]
		if !ok {
			t = 2 // unknown route never fires
		}
		if predict(s, t) == s.expected {
			correct++
		}
	}
	return float64(correct) / float64(len(scored))
}

// fitAutomatic perturbs all thresholds at once with a decaying random step,
// keeping the best set seen. Ties on accuracy prefer thresholds closer to
// the middle of [0,1], which keeps the routes responsive to queries near
// the decision boundary.
func (r *Router) fitAutomatic(scored []scoredRecord, initial map[string]float64, o fitOptions) map[string]float64 {
	seed := o.seed
	if !o.hasSeed {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	names := make([]string, 0, len(initial))
	for name := range initial {
		names = append(names, name)
	}
	sort.Strings(names)

	best := copyThresholds(initial)
	bestAcc := accuracy(scored, best)
	bestSpread := centerDistance(best)

	current := copyThresholds(best)
	step := initialStep
	sinceImprove := 0

	for iter := 0; iter < o.maxIter; iter++ {
		candidate := make(map[string]float64, len(current))
		for _, name := range names {
			t := current[name] + (rng.Float64()*2-1)*step
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
			candidate[name] = t
		}

		acc := accuracy(scored, candidate)
		spread := centerDistance(candidate)
		switch {
		case acc > bestAcc, acc == bestAcc && spread < bestSpread:
			best = copyThresholds(candidate)
			bestAcc = acc
			bestSpread = spread
			current = candidate
			sinceImprove = 0
		default:
			sinceImprove++
			step *= stepDecay
			if step < minStep {
				step = minStep
			}
		}
		if sinceImprove >= o.patience {
			r.logger.Debug("fit: early stop", "iteration", iter, "accuracy", bestAcc)
			break
		}
	}
	return best
}

// fitManual sweeps each route's threshold over a grid spanning the scores
// that route actually received, picking the value with the best F1 for that
// route. Routes that never scored keep their current threshold.
func (r *Router) fitManual(scored []scoredRecord, initial map[string]float64, o fitOptions) map[string]float64 {
	best := copyThresholds(initial)

	names := make([]string, 0, len(initial))
	for name := range initial {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var observed []float64
		for _, s := range scored {
			if score, ok := s.scores[name]; ok {
				observed = append(observed, score)
			}
		}
		if len(observed) == 0 {
			continue
		}

		lo, hi := observed[0], observed[0]
		for _, v := range observed[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		lo = clamp01(lo * 0.8)
		hi = clamp01(hi * 1.2)

		bestT := best[name]
		bestF1 := routeF1(scored, name, bestT)
		for i := 0; i < o.gridPoints; i++ {
			t := lo + (hi-lo)*float64(i)/float64(o.gridPoints-1)
			if f1 := routeF1(scored, name, t); f1 > bestF1 {
				bestF1 = f1
				bestT = t
			}
		}
		best[name] = bestT
	}
	return best
}

// routeF1 computes F1 for one route at one threshold. The route fires on a
// record when it is the top candidate and clears the threshold.
func routeF1(scored []scoredRecord, name string, threshold float64) float64 {
	var tp, fp, fn int
	for _, s := range scored {
		fired := s.top == name && s.topScore >= threshold
		expected := s.expected == name
		switch {
		case fired && expected:
			tp++
		case fired && !expected:
			fp++
		case !fired && expected:
			fn++
		}
	}
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 0
	}
	return 2 * float64(tp) / float64(denom)
}

// centerDistance is the L1 distance of a threshold set from 0.5 on every
// axis, used as a tie-breaker.
func centerDistance(thresholds map[string]float64) float64 {
	var d float64
	for _, t := range thresholds {
		d += math.Abs(t - 0.5)
	}
	return d
}

func copyThresholds(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
