package router

import (
	"context"
	"encoding/json"
)

// Handler is an optional callback attached to a route. It is invoked by the
// caller, never by the router itself.
type Handler func(ctx context.Context, query string, score float64) (string, error)

// Route defines a routing destination with its example utterances.
type Route struct {
	Name       string   `json:"name"`
	Utterances []string `json:"utterances"`

	// ScoreThreshold overrides the router default for this route.
	// Nil means the default applies.
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`

	// FunctionSchema carries an optional tool/function definition that
	// rides along with the route in snapshots.
	FunctionSchema json.RawMessage `json:"function_schema,omitempty"`

	Handler Handler `json:"-"`
}

// Candidate is a single route with its aggregated similarity score.
type Candidate struct {
	Route string  `json:"route"`
	Score float64 `json:"score"`
}

// RouteChoice is the outcome of routing one query. A non-matching query
// yields Matched=false and an empty Name; Score and Candidates are still
// populated when any route produced a score.
type RouteChoice struct {
	Name       string      `json:"name"`
	Score      float64     `json:"score"`
	Matched    bool        `json:"matched"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Handler    Handler     `json:"-"`
}

// Record is one labeled example for threshold fitting and evaluation.
type Record struct {
	Query string `json:"query"`
	Route string `json:"route"`
}
