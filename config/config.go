// Package config implements auto-detection of project settings and the
// optional .mvkit.yaml project file.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Default locations, relative to the project root.
const (
	DefaultOutputDir = "uc_converted_metrics"
	DefaultInputDir  = "input"
)

// inputNames are file names recognized as measure exports during detection.
var inputNames = []string{
	"measures.json",
	"measures.yaml",
	"measures.yml",
	"model.bim",
}

// Project holds auto-detected project configuration.
type Project struct {
	// Name is the project name (directory name).
	Name string
	// Root is the absolute project root.
	Root string
	// Inputs are measure export files found in the project.
	Inputs []string
	// OutputDir is where conversion artifacts are written.
	OutputDir string
	// ConfigFile is the path to .mvkit.yaml when one exists.
	ConfigFile string
}

// Detect auto-detects project settings from the given directory.
func Detect(rootDir string) *Project {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		absRoot = rootDir
	}

	p := &Project{
		Name:      filepath.Base(absRoot),
		Root:      absRoot,
		OutputDir: filepath.Join(absRoot, DefaultOutputDir),
	}

	if _, err := os.Stat(filepath.Join(absRoot, FileName)); err == nil {
		p.ConfigFile = filepath.Join(absRoot, FileName)
	}

	p.Inputs = detectInputs(absRoot)
	return p
}

// detectInputs looks for measure exports in root and root/input.
func detectInputs(root string) []string {
	var found []string
	seen := make(map[string]bool)
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			found = append(found, path)
		}
	}

	for _, dir := range []string{root, filepath.Join(root, DefaultInputDir)} {
		for _, name := range inputNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				add(path)
			}
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if isMeasureExport(e.Name()) {
				add(filepath.Join(dir, e.Name()))
			}
		}
	}

	sort.Strings(found)
	return found
}

// isMeasureExport matches names like "sales.measures.json" or
// "aas_metrics.yaml".
func isMeasureExport(name string) bool {
	lower := strings.ToLower(name)
	ext := filepath.Ext(lower)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return false
	}
	base := strings.TrimSuffix(lower, ext)
	return strings.HasSuffix(base, ".measures") || strings.HasSuffix(base, "_metrics") ||
		strings.HasSuffix(base, "_measures")
}
