// Package metricview reads converted measure blocks and renders them as a
// Unity Catalog metric view definition.
package metricview

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the metric view YAML version written to exported documents.
const Version = "0.1"

// ErrNoMeasures is returned when nothing exportable was found.
var ErrNoMeasures = errors.New("no converted measures found")

// Entry is one converted measure as returned by the model.
type Entry struct {
	Name string
	// DAX is the original expression, taken from the comment lines.
	DAX  string
	Expr string
}

// Document is a metric view definition.
type Document struct {
	Version  string
	Source   string
	Measures []Entry
	// Skipped lists names that had no expr and were left out.
	Skipped []string
	// Replaced lists names that appeared more than once; the last one wins.
	Replaced []string
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseFile reads a batch or combined artifact.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse scans "- name:" blocks. Comment lines inside a block hold the DAX,
// "expr:" holds the SparkSQL (plain, quoted, or a | / > block scalar). Any
// other text, including artifact headers and batch separators, is ignored.
func Parse(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		cur     *Entry
		curDash int
		dax     []string
	)

	flush := func() {
		if cur == nil {
			return
		}
		cur.DAX = strings.Join(dax, "\n")
		entries = append(entries, *cur)
		cur, dax = nil, nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var pending []string // lines read ahead while collecting a block scalar
	next := func() (string, bool) {
		if len(pending) > 0 {
			l := pending[0]
			pending = pending[1:]
			return l, true
		}
		if sc.Scan() {
			return sc.Text(), true
		}
		return "", false
	}

	for {
		line, ok := next()
		if !ok {
			break
		}
		trimmed := strings.TrimSpace(line)
		indent := indentOf(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "```") {
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, "- name:"); ok {
			flush()
			cur = &Entry{Name: unquote(strings.TrimSpace(rest))}
			curDash = indent
			continue
		}

		if cur == nil {
			continue
		}
		if indent <= curDash {
			flush()
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "#"):
			dax = append(dax, strings.TrimSpace(strings.TrimPrefix(trimmed, "#")))
		case strings.HasPrefix(trimmed, "expr:"):
			value := strings.TrimSpace(strings.TrimPrefix(trimmed, "expr:"))
			if isBlockIndicator(value) {
				var block []string
				for {
					l, ok := next()
					if !ok {
						break
					}
					if strings.TrimSpace(l) != "" && indentOf(l) <= indent {
						pending = append(pending, l)
						break
					}
					block = append(block, l)
				}
				cur.Expr = joinBlock(value, block)
			} else {
				// Plain and quoted scalars may wrap onto deeper lines; fold them with spaces.
				parts := []string{}
				if value != "" {
					parts = append(parts, value)
				}
				for {
					l, ok := next()
					if !ok {
						break
					}
					lt := strings.TrimSpace(l)
					if lt == "" || indentOf(l) <= indent || strings.HasPrefix(lt, "#") {
						pending = append(pending, l)
						break
					}
					parts = append(parts, lt)
				}
				cur.Expr = unquote(strings.Join(parts, " "))
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading converted output: %w", err)
	}
	flush()
	return entries, nil
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

func isBlockIndicator(v string) bool {
	if v == "" {
		return false
	}
	switch v[0] {
	case '|', '>':
		return len(strings.TrimLeft(v[1:], "+-0123456789")) == 0
	}
	return false
}

// joinBlock removes the common indentation of a block scalar body and joins
// it literally (|) or folded (>).
func joinBlock(indicator string, lines []string) string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	common := -1
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if n := indentOf(l); common < 0 || n < common {
			common = n
		}
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		if len(l) >= common && common > 0 {
			l = l[common:]
		}
		out[i] = strings.TrimRight(l, " \t")
	}
	if indicator[0] == '>' {
		return strings.Join(strings.Fields(strings.Join(out, " ")), " ")
	}
	return strings.Join(out, "\n")
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Building and rendering
// ---------------------------------------------------------------------------

// Build assembles a document from entries. Entries without an expr are
// reported in Skipped; for repeated names the last entry wins and keeps the
// position of the first.
func Build(source string, entries []Entry) (*Document, error) {
	doc := &Document{Version: Version, Source: source}
	pos := make(map[string]int)
	for _, e := range entries {
		if strings.TrimSpace(e.Expr) == "" {
			doc.Skipped = append(doc.Skipped, e.Name)
			continue
		}
		if i, ok := pos[e.Name]; ok {
			doc.Measures[i] = e
			doc.Replaced = append(doc.Replaced, e.Name)
			continue
		}
		pos[e.Name] = len(doc.Measures)
		doc.Measures = append(doc.Measures, e)
	}
	if len(doc.Measures) == 0 {
		return doc, ErrNoMeasures
	}
	return doc, nil
}

// Encode writes doc as YAML with the DAX kept as a comment above each expr.
func (d *Document) Encode(w io.Writer) error {
	root := &yaml.Node{Kind: yaml.MappingNode}
	root.Content = append(root.Content, scalar("version"), &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: d.Version})
	if d.Source != "" {
		root.Content = append(root.Content, scalar("source"), scalar(d.Source))
	}

	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, m := range d.Measures {
		item := &yaml.Node{Kind: yaml.MappingNode}
		exprKey := scalar("expr")
		if m.DAX != "" {
			exprKey.HeadComment = commentLines(m.DAX)
		}
		exprVal := scalar(m.Expr)
		if strings.Contains(m.Expr, "\n") {
			exprVal.Style = yaml.LiteralStyle
		}
		item.Content = append(item.Content, scalar("name"), scalar(m.Name), exprKey, exprVal)
		seq.Content = append(seq.Content, item)
	}
	root.Content = append(root.Content, scalar("measures"), seq)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return fmt.Errorf("encoding metric view: %w", err)
	}
	return enc.Close()
}

// WriteFile encodes doc to path.
func (d *Document) WriteFile(path string) error {
	var b strings.Builder
	if err := d.Encode(&b); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func commentLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "# " + l
	}
	return strings.Join(lines, "\n")
}
