package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ---------------------------------------------------------------------------
// Prompt configuration
// ---------------------------------------------------------------------------

// Keys of the prompts file.
const (
	PromptTemplate       = "template"
	PromptExamples       = "examples"
	PromptResponseFormat = "responseFormat"
)

// InputHeading introduces the batch payload in the user message.
const InputHeading = "Below is the list of DAX expressions to be converted:"

// PromptsConfig holds the prompt parts loaded from prompts.json.
type PromptsConfig struct {
	Prompts map[string]string `json:"prompts"`
}

// get returns the configured part or its built-in default.
func (p *PromptsConfig) get(key string) string {
	if p != nil {
		if v, ok := p.Prompts[key]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return defaultPromptsMap()[key]
}

// defaultPromptsMap returns the built-in prompt parts.
func defaultPromptsMap() map[string]string {
	return map[string]string{
		PromptTemplate:       DefaultPromptTemplate,
		PromptExamples:       DefaultExamples,
		PromptResponseFormat: DefaultResponseFormat,
	}
}

// LoadPromptsFromFile reads a prompts file. A missing file yields nil
// without error; built-in defaults apply.
func LoadPromptsFromFile(path string) (*PromptsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	var config PromptsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file: %w", err)
	}
	return &config, nil
}

// CreateDefaultPromptsFile writes the built-in prompt parts to path as
// formatted JSON.
func CreateDefaultPromptsFile(path string) error {
	config := PromptsConfig{Prompts: defaultPromptsMap()}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default prompts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating prompts directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing default prompts file: %w", err)
	}
	return nil
}

// LoadPrompts loads path, creating it with the defaults when absent.
func LoadPrompts(path string) (*PromptsConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := CreateDefaultPromptsFile(path); err != nil {
			return nil, err
		}
	}
	return LoadPromptsFromFile(path)
}

// SystemPrompt assembles the system message from cfg, falling back to the
// built-in parts for anything cfg leaves empty.
func SystemPrompt(cfg *PromptsConfig) string {
	r := strings.NewReplacer(
		"{{examples}}", strings.TrimSpace(cfg.get(PromptExamples)),
		"{{responseFormat}}", strings.TrimSpace(cfg.get(PromptResponseFormat)),
	)
	return strings.TrimSpace(r.Replace(cfg.get(PromptTemplate)))
}

// UserPrompt wraps one batch payload for the user message.
func UserPrompt(payload string) string {
	return InputHeading + "\n\n" + payload
}

// ---------------------------------------------------------------------------
// Built-in prompt parts
// ---------------------------------------------------------------------------

const DefaultPromptTemplate = `You are an expert in both DAX (Data Analysis Expressions) and SparkSQL. Your task is to assist in converting DAX expressions into Databricks Unity Catalog Metric View measures, which are defined using SparkSQL syntax.

### Objective:

Convert DAX measures into equivalent SparkSQL expressions that are compatible with Unity Catalog Metric Views. These expressions will be used in Databricks Genie AI/BI (Genie Rooms) as well as in Dashboards, and must strictly follow SparkSQL syntax conventions.

### Context:

Below is a set of reference examples showing DAX expressions alongside their properly converted SparkSQL-based UC Metric View versions. Use these examples to guide your conversions and maintain consistency with established transformation patterns.

{{examples}}

### Output Format:

Please format your response using the structure provided below:

{{responseFormat}}

This ensures consistent and structured outputs for downstream processing.

### Guidelines:

1. Use the provided examples and your expert knowledge of DAX and SparkSQL for the conversion.
2. If you encounter an expression you cannot confidently convert, do not guess. Instead:
    2.1. Explain clearly what is ambiguous, unsupported, or missing.
    2.2. Optionally suggest what additional context or assumptions would be needed to proceed.
3. You may use SparkSQL idioms such as CASE WHEN, FILTER, AGGREGATE, SUM, MAX, DATE_TRUNC, and others where appropriate.
4. Ensure that the converted expression faithfully reproduces the logic and intent of the original DAX expression.
5. If a referenced base measure is missing, define it as: measure("BASE MEASURE"). For example, DAX: DIVIDE([Current Sales], [Prior Year Sales], BLANK()) - 1 → SparkSQL: CASE WHEN measure('Prior Year Sales') IS NULL OR measure('Prior Year Sales') = 0 THEN NULL ELSE measure('Current Sales') / measure('Prior Year Sales') - 1 END`

const DefaultExamples = `DAX expressions

[
  {
    "name": "Total Revenue",
    "expression": "SUM('FactSales'[Revenue])"
  },
  {
    "name": "Total Quantity",
    "expression": "SUM('FactSales'[Quantity])"
  },
  {
    "name": "Average Price",
    "expression": "DIVIDE([Total Revenue], [Total Quantity])"
  }
]

Unity Catalog Metric View Expressions (SparkSQL)

- name: Total Revenue
  # SUM('FactSales'[Revenue])
  expr: SUM(Revenue)
- name: Total Quantity
  # SUM('FactSales'[Quantity])
  expr: SUM(Quantity)
- name: Average Price
  # DIVIDE([Total Revenue], [Total Quantity])
  expr: SUM(Revenue) / NULLIF(SUM(Quantity), 0)`

const DefaultResponseFormat = `- name: [NAME OF THE MEASURE]
  # [ORIGINAL DAX EXPRESSION]
  expr: [SPARKSQL EXPRESSION]`
