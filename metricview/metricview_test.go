package metricview

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const batchArtifact = `# UC Metric View Conversions
# Generated on: 2025-03-01 14:30:05
# Total conversions: 3
================================================================================

- name: Total Revenue
  # SUM('FactSales'[Revenue])
  expr: SUM(Revenue)
- name: Total Quantity
  # SUM('FactSales'[Quantity])
  expr: "SUM(Quantity)"
- name: Average Price
  # DIVIDE([Total Revenue], [Total Quantity])
  expr: SUM(Revenue) / NULLIF(SUM(Quantity), 0)
`

func TestParseBatchArtifact(t *testing.T) {
	entries, err := Parse(strings.NewReader(batchArtifact))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, Entry{Name: "Total Revenue", DAX: "SUM('FactSales'[Revenue])", Expr: "SUM(Revenue)"}, entries[0])
	assert.Equal(t, "SUM(Quantity)", entries[1].Expr)
	assert.Equal(t, "SUM(Revenue) / NULLIF(SUM(Quantity), 0)", entries[2].Expr)
}

func TestParseCombinedSeparatorsEndEntries(t *testing.T) {
	in := `####################################################################################################
# COMBINED UC METRIC VIEW CONVERSIONS
####################################################################################################

############################################################
# BATCH 1 - Source: converted_metrics_20250301_143005_01J.txt
############################################################
- name: A
  # SUM('T'[A])
  expr: SUM(A)
############################################################
# BATCH 2 - Source: converted_metrics_20250301_143006_01K.txt
############################################################
- name: B
  expr: SUM(B)

# SUMMARY: Total 2 metrics converted from 2 batches
`
	entries, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "SUM('T'[A])", entries[0].DAX)
	assert.Equal(t, "", entries[1].DAX)
	assert.Equal(t, "SUM(B)", entries[1].Expr)
}

func TestParseBlockScalars(t *testing.T) {
	in := "```yaml\n" +
		"- name: Growth\n" +
		"  # DIVIDE([Current Sales], [Prior Year Sales], BLANK()) - 1\n" +
		"  expr: |\n" +
		"    CASE WHEN measure('Prior Year Sales') IS NULL\n" +
		"      OR measure('Prior Year Sales') = 0 THEN NULL\n" +
		"    ELSE measure('Current Sales') / measure('Prior Year Sales') - 1 END\n" +
		"- name: Folded\n" +
		"  expr: >-\n" +
		"    SUM(A)\n" +
		"    + SUM(B)\n" +
		"\n" +
		"```\n"
	entries, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "CASE WHEN measure('Prior Year Sales') IS NULL\n  OR measure('Prior Year Sales') = 0 THEN NULL\nELSE measure('Current Sales') / measure('Prior Year Sales') - 1 END", entries[0].Expr)
	assert.Equal(t, "SUM(A) + SUM(B)", entries[1].Expr)
}

func TestParseWrappedPlainExpr(t *testing.T) {
	in := "- name: Margin\n" +
		"  expr: SUM(profit)\n" +
		"    / NULLIF(SUM(revenue), 0)\n" +
		"- name: Quoted\n" +
		"  expr: \"SUM(a)\n" +
		"    + SUM(b)\"\n" +
		"  # trailing comment is not part of the expr\n" +
		"- name: NextLine\n" +
		"  expr:\n" +
		"    COUNT(DISTINCT customer_id)\n" +
		"- name: Plain\n" +
		"  expr: SUM(x)\n" +
		"  format: number\n"
	entries, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "SUM(profit) / NULLIF(SUM(revenue), 0)", entries[0].Expr)
	assert.Equal(t, "SUM(a) + SUM(b)", entries[1].Expr)
	assert.Equal(t, "trailing comment is not part of the expr", entries[1].DAX)
	assert.Equal(t, "COUNT(DISTINCT customer_id)", entries[2].Expr)
	assert.Equal(t, "SUM(x)", entries[3].Expr)
}

func TestParseEntryWithoutExpr(t *testing.T) {
	in := `- name: Ambiguous
  # CALCULATE([Sales], USERELATIONSHIP(...))
  The relationship used here cannot be expressed without more context.
- name: Fine
  expr: SUM(Fine)
`
	entries, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].Expr)

	doc, err := Build("main.sales.fact", entries)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ambiguous"}, doc.Skipped)
	require.Len(t, doc.Measures, 1)
	assert.Equal(t, "Fine", doc.Measures[0].Name)
}

func TestBuildDuplicateNamesLastWins(t *testing.T) {
	doc, err := Build("", []Entry{
		{Name: "A", Expr: "SUM(old)"},
		{Name: "B", Expr: "SUM(B)"},
		{Name: "A", Expr: "SUM(new)"},
	})
	require.NoError(t, err)
	require.Len(t, doc.Measures, 2)
	assert.Equal(t, "SUM(new)", doc.Measures[0].Expr)
	assert.Equal(t, []string{"A"}, doc.Replaced)
}

func TestBuildNothingExportable(t *testing.T) {
	_, err := Build("", []Entry{{Name: "A"}})
	assert.ErrorIs(t, err, ErrNoMeasures)

	_, err = Build("", nil)
	assert.ErrorIs(t, err, ErrNoMeasures)
}

func TestEncodeKeepsDAXAsComment(t *testing.T) {
	entries, err := Parse(strings.NewReader(batchArtifact))
	require.NoError(t, err)
	doc, err := Build("main.sales.fact_sales", entries)
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, doc.Encode(&b))
	out := b.String()

	assert.Contains(t, out, "version: 0.1\n")
	assert.Contains(t, out, "# DIVIDE([Total Revenue], [Total Quantity])")
	assert.Less(t,
		strings.Index(out, "# SUM('FactSales'[Revenue])"),
		strings.Index(out, "expr: SUM(Revenue)"))

	var parsed struct {
		Version  float64 `yaml:"version"`
		Source   string  `yaml:"source"`
		Measures []struct {
			Name string `yaml:"name"`
			Expr string `yaml:"expr"`
		} `yaml:"measures"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, 0.1, parsed.Version)
	assert.Equal(t, "main.sales.fact_sales", parsed.Source)
	require.Len(t, parsed.Measures, 3)
	assert.Equal(t, "Average Price", parsed.Measures[2].Name)
	assert.Equal(t, "SUM(Revenue) / NULLIF(SUM(Quantity), 0)", parsed.Measures[2].Expr)
}

func TestEncodeMultilineExpr(t *testing.T) {
	doc := &Document{Version: Version, Measures: []Entry{{Name: "X", DAX: "line one\nline two", Expr: "CASE WHEN a\nTHEN b END"}}}
	var b strings.Builder
	require.NoError(t, doc.Encode(&b))

	var parsed struct {
		Measures []struct {
			Expr string `yaml:"expr"`
		} `yaml:"measures"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(b.String()), &parsed))
	require.Len(t, parsed.Measures, 1)
	assert.Equal(t, "CASE WHEN a\nTHEN b END", strings.TrimRight(parsed.Measures[0].Expr, "\n"))
	assert.Contains(t, b.String(), "# line two")
}

func TestParseFileAndWriteFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "converted_metrics_x.txt")
	require.NoError(t, os.WriteFile(src, []byte(batchArtifact), 0644))

	entries, err := ParseFile(src)
	require.NoError(t, err)
	doc, err := Build("", entries)
	require.NoError(t, err)

	dst := filepath.Join(dir, "metric_view.yaml")
	require.NoError(t, doc.WriteFile(dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "source:")
	assert.Contains(t, string(data), "name: Total Quantity")

	_, err = ParseFile(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
