// Package measures reads DAX measure definitions exported from an Analysis
// Services or Power BI model.
//
// Two layouts are accepted, in JSON or YAML:
//
//   - a flat export: {"measures": [{"name": ..., "expression": ...}, ...]}
//   - a tabular model (model.bim): {"model": {"tables": [{"measures": [...]}]}}
//
// The expression field is either a single string or a list of string
// fragments. Fragments are trimmed, empty ones are dropped, and the rest are
// joined with a single space.
package measures

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when the measures file does not exist.
	ErrNotFound = errors.New("measures file not found")
	// ErrMalformed is returned when the file cannot be decoded into the
	// expected structure.
	ErrMalformed = errors.New("malformed measures file")
)

// Measure is a single named DAX expression.
type Measure struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// ---------------------------------------------------------------------------
// Document model
// ---------------------------------------------------------------------------

type rawMeasure struct {
	Name       string `json:"name" yaml:"name"`
	Expression any    `json:"expression" yaml:"expression"`
}

type rawTable struct {
	Name     string       `json:"name" yaml:"name"`
	Measures []rawMeasure `json:"measures" yaml:"measures"`
}

type document struct {
	Measures []rawMeasure `json:"measures" yaml:"measures"`
	Model    *struct {
		Tables []rawTable `json:"tables" yaml:"tables"`
	} `json:"model,omitempty" yaml:"model,omitempty"`
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseFile reads a measures file from disk. The format is chosen by
// extension: .yaml and .yml are decoded as YAML, anything else as JSON.
func ParseFile(path string) ([]Measure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var measures []Measure
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		measures, err = ParseYAML(data)
	default:
		measures, err = ParseJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return measures, nil
}

// ParseJSON decodes a JSON measures document.
func ParseJSON(data []byte) ([]Measure, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return doc.simplify(), nil
}

// ParseYAML decodes a YAML measures document.
func ParseYAML(data []byte) ([]Measure, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return doc.simplify(), nil
}

// simplify flattens the document into name/expression pairs, keeping file
// order. Top-level measures win; table measures are only read when the
// document has no top-level list.
func (d *document) simplify() []Measure {
	raw := d.Measures
	if len(raw) == 0 && d.Model != nil {
		for _, t := range d.Model.Tables {
			raw = append(raw, t.Measures...)
		}
	}

	out := make([]Measure, 0, len(raw))
	for _, m := range raw {
		expr := FormatExpression(m.Expression)
		if m.Name == "" || expr == "" {
			continue
		}
		out = append(out, Measure{Name: m.Name, Expression: expr})
	}
	return out
}

// FormatExpression normalizes an expression value. Strings are trimmed;
// lists have each fragment trimmed, empty fragments dropped and the rest
// joined with single spaces. Other scalars are rendered with fmt.
func FormatExpression(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(e)
	case []string:
		return joinFragments(e)
	case []any:
		parts := make([]string, len(e))
		for i, p := range e {
			if s, ok := p.(string); ok {
				parts[i] = s
			} else if p != nil {
				parts[i] = fmt.Sprint(p)
			}
		}
		return joinFragments(parts)
	default:
		return fmt.Sprint(e)
	}
}

func joinFragments(parts []string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, " ")
}

// Names returns the measure names in order.
func Names(ms []Measure) []string {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = m.Name
	}
	return names
}
