// Package routefile loads route definitions from YAML or JSON files so
// routers can be built from declarative configuration.
package routefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/semroute/pkg/router"
)

// Document is a parsed route definition file.
type Document struct {
	// ScoreThreshold is the file-level default threshold; zero means the
	// router's own default applies.
	ScoreThreshold float64    `json:"score_threshold" yaml:"score_threshold"`
	Alpha          *float64   `json:"alpha" yaml:"alpha"`
	Routes         []RouteDef `json:"routes" yaml:"routes"`
}

// RouteDef is one route entry in a definition file.
type RouteDef struct {
	Name           string          `json:"name" yaml:"name"`
	Utterances     []string        `json:"utterances" yaml:"utterances"`
	ScoreThreshold *float64        `json:"score_threshold" yaml:"score_threshold"`
	FunctionSchema json.RawMessage `json:"function_schema" yaml:"-"`
}

// Load reads and validates a route definition file. The format is chosen by
// extension: .json parses as JSON, everything else as YAML.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routefile: %w", err)
	}

	var doc Document
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("routefile: parsing %s: %w", path, err)
	}

	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("routefile: %s: %w", path, err)
	}
	return &doc, nil
}

// Parse validates route definitions from raw YAML bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("routefile: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("routefile: %w", err)
	}
	return &doc, nil
}

// validate normalizes utterances and enforces structural rules: unique
// non-empty names, at least one non-blank utterance per route, thresholds
// inside [0,1].
func (d *Document) validate() error {
	if len(d.Routes) == 0 {
		return fmt.Errorf("no routes defined")
	}
	seen := make(map[string]bool, len(d.Routes))
	for i := range d.Routes {
		def := &d.Routes[i]
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return fmt.Errorf("route %d: name is empty", i)
		}
		if seen[def.Name] {
			return fmt.Errorf("route %q: duplicate name", def.Name)
		}
		seen[def.Name] = true

		cleaned := def.Utterances[:0]
		for _, u := range def.Utterances {
			if u = strings.TrimSpace(u); u != "" {
				cleaned = append(cleaned, u)
			}
		}
		def.Utterances = cleaned
		if len(def.Utterances) == 0 {
			return fmt.Errorf("route %q: no utterances", def.Name)
		}
		if def.ScoreThreshold != nil && (*def.ScoreThreshold < 0 || *def.ScoreThreshold > 1) {
			return fmt.Errorf("route %q: %w", def.Name, router.ErrInvalidThreshold)
		}
	}
	if d.ScoreThreshold < 0 || d.ScoreThreshold > 1 {
		return router.ErrInvalidThreshold
	}
	if d.Alpha != nil && (*d.Alpha < 0 || *d.Alpha > 1) {
		return fmt.Errorf("alpha %v outside [0,1]", *d.Alpha)
	}
	return nil
}

// ToRoutes converts the definitions to router routes.
func (d *Document) ToRoutes() []*router.Route {
	routes := make([]*router.Route, 0, len(d.Routes))
	for _, def := range d.Routes {
		r := &router.Route{
			Name:           def.Name,
			Utterances:     append([]string(nil), def.Utterances...),
			FunctionSchema: def.FunctionSchema,
		}
		if def.ScoreThreshold != nil {
			t := *def.ScoreThreshold
			r.ScoreThreshold = &t
		}
		routes = append(routes, r)
	}
	return routes
}

// Options returns the router options implied by the file-level settings.
func (d *Document) Options() []router.Option {
	var opts []router.Option
	if d.ScoreThreshold > 0 {
		opts = append(opts, router.WithDefaultThreshold(d.ScoreThreshold))
	}
	if d.Alpha != nil {
		opts = append(opts, router.WithAlpha(*d.Alpha))
	}
	return opts
}
