package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the project config file name.
const FileName = ".mvkit.yaml"

// ErrInvalid marks a config file that parsed but failed validation.
var ErrInvalid = errors.New("invalid configuration")

// File is the .mvkit.yaml structure. Zero values mean "not set".
type File struct {
	// Input is the measure export, relative to the project root.
	Input string `yaml:"input,omitempty"`
	// OutputDir is the artifact directory, relative to the project root.
	OutputDir string `yaml:"output_dir,omitempty"`

	BatchSize    int           `yaml:"batch_size,omitempty"`
	Concurrency  int           `yaml:"concurrency,omitempty"`
	RequestDelay time.Duration `yaml:"request_delay,omitempty"`

	Provider   string        `yaml:"provider,omitempty"`
	Model      string        `yaml:"model,omitempty"`
	BaseURL    string        `yaml:"base_url,omitempty"`
	Proxy      string        `yaml:"proxy,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`

	// PromptFile overrides the user prompts file.
	PromptFile string `yaml:"prompt_file,omitempty"`
	// Source is the table the exported metric view reads from.
	Source string `yaml:"source,omitempty"`
}

// Load reads .mvkit.yaml from rootDir. Returns nil if no file exists.
// Unknown keys are rejected.
func Load(rootDir string) (*File, error) {
	path := filepath.Join(rootDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%s: unsupported key: %w", path, err)
		}
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// Validate rejects negative sizes and durations.
func (f *File) Validate() error {
	var problems []string
	if f.BatchSize < 0 {
		problems = append(problems, fmt.Sprintf("batch_size must be positive, got %d", f.BatchSize))
	}
	if f.Concurrency < 0 {
		problems = append(problems, fmt.Sprintf("concurrency must be positive, got %d", f.Concurrency))
	}
	if f.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("max_retries must not be negative, got %d", f.MaxRetries))
	}
	if f.Timeout < 0 {
		problems = append(problems, fmt.Sprintf("timeout must not be negative, got %s", f.Timeout))
	}
	if f.RequestDelay < 0 {
		problems = append(problems, fmt.Sprintf("request_delay must not be negative, got %s", f.RequestDelay))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Resolve makes relative paths in f absolute against rootDir.
func (f *File) Resolve(rootDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(rootDir, p)
	}
	f.Input = abs(f.Input)
	f.OutputDir = abs(f.OutputDir)
	f.PromptFile = abs(f.PromptFile)
}

// Template is written by 'mvkit init'.
const Template = `# mvkit project configuration
input: measures.json
output_dir: ` + DefaultOutputDir + `

batch_size: 100
concurrency: 4
# request_delay: 500ms

provider: databricks
model: databricks-claude-sonnet-4
# base_url: https://adb-1234567890123456.7.azuredatabricks.net
# timeout: 3m
max_retries: 3

# prompt_file: prompts.json
# source: main.sales.fact_sales
`

// WriteTemplate creates .mvkit.yaml in rootDir. It refuses to overwrite an
// existing file.
func WriteTemplate(rootDir string) (string, error) {
	path := filepath.Join(rootDir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return path, fmt.Errorf("%s already exists", path)
		}
		return path, fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.WriteString(Template); err != nil {
		f.Close()
		return path, fmt.Errorf("writing %s: %w", path, err)
	}
	return path, f.Close()
}
