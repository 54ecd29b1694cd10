// mvkit: converts Power BI / Analysis Services DAX measures into Databricks
// Unity Catalog metric view measures with an AI model.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/minios-linux/mvkit/artifact"
	"github.com/minios-linux/mvkit/config"
	"github.com/minios-linux/mvkit/convert"
	"github.com/minios-linux/mvkit/i18n"
	"github.com/minios-linux/mvkit/lockfile"
	"github.com/minios-linux/mvkit/measures"
	"github.com/minios-linux/mvkit/metricview"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

// stderr is where user-facing messages go; tests swap it.
var stderr io.Writer = os.Stderr

func logInfo(format string, args ...any) {
	fmt.Fprintf(stderr, colorBlue+"[INFO]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(stderr, colorGreen+"[OK]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(stderr, colorYellow+"[WARN]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(stderr, colorRed+"[ERROR]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	rootDir  string
	verbose  bool
	logLevel string
	logFile  string
	uiLang   string

	// logger is the structured logger handed to library packages.
	logger = zerolog.Nop()

	// closeLog releases the --log-file handle.
	closeLog = func() error { return nil }
)

// newLogger builds a console logger on stderr, optionally teeing JSON lines
// into path. verbose forces debug level.
func newLogger(level string, verbose bool, path string) (zerolog.Logger, func() error, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}}
	closer := func() error { return nil }

	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, f)
		closer = f.Close
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	return l, closer, nil
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mvkit",
		Short: "Metric View Kit: convert DAX measures to Unity Catalog metric views with AI",
		Long: `mvkit (Metric View Kit) converts DAX measures exported from Power BI or
Azure Analysis Services into SparkSQL measures for Databricks Unity Catalog
metric views.

Measures are split into batches and sent to an AI model concurrently. Every
successful batch is saved as its own file; at the end all batch files are
combined into one consolidated file that can be exported as metric view YAML.

Commands:
  status      Show project info, input, lock file and artifacts
  init        Create a .mvkit.yaml project file
  convert     Convert DAX measures (batch + concurrent AI calls)
  combine     Merge batch files into one consolidated file
  export      Write metric view YAML from converted output
  auth        Manage provider credentials

AI Providers:
  databricks     Databricks Model Serving (default, PAT)
  google         Google AI (Gemini), API key
  openai         OpenAI, API key
  anthropic      Anthropic, API key
  groq           Groq, API key
  ollama         Ollama local server
  custom-openai  Custom OpenAI-compatible endpoint`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			i18n.Init(uiLang)
			l, closer, err := newLogger(logLevel, verbose, logFile)
			if err != nil {
				return err
			}
			logger, closeLog = l, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeLog()
		},
	}

	// Global persistent flags, inherited by all subcommands
	root.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append JSON logs to this file")
	root.PersistentFlags().StringVar(&uiLang, "lang", "", "Interface language (default: from LANGUAGE/LC_ALL/LANG)")

	root.AddCommand(
		newStatusCmd(),
		newInitCmd(),
		newConvertCmd(),
		newCombineCmd(),
		newExportCmd(),
		newAuthCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version (display version information)
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mvkit version %s\n", version)
			fmt.Fprintf(out, "  commit:    %s\n", commit)
			fmt.Fprintf(out, "  built:     %s\n", date)
			fmt.Fprintf(out, "  language:  %s (available: %s)\n", i18n.Language(), strings.Join(i18n.Available(), ", "))
		},
	}

	return cmd
}

// ---------------------------------------------------------------------------
// init (create .mvkit.yaml)
// ---------------------------------------------------------------------------

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a .mvkit.yaml project file",
		Long: `Write a commented .mvkit.yaml template into the project root.

The file is never overwritten; edit it to set the input file, output
directory, batch size, concurrency and provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj := config.Detect(rootDir)
			path, err := config.WriteTemplate(proj.Root)
			if err != nil {
				return err
			}
			logSuccess("Created %s", path)
			if len(proj.Inputs) > 0 {
				rel, _ := filepath.Rel(proj.Root, proj.Inputs[0])
				logInfo("Detected input: %s (set 'input' accordingly)", rel)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// status (read-only: project info + stats)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project info, input, lock file and artifacts",
		Long: `Show the detected project, the measures in the input file, how many of
them changed since the last conversion, and the artifacts on disk.
Does not modify any files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout())
		},
	}
}

func runStatus(out io.Writer) error {
	proj := config.Detect(rootDir)
	file, err := config.Load(proj.Root)
	if err != nil {
		return err
	}
	if file != nil {
		file.Resolve(proj.Root)
	}

	fmt.Fprintf(out, "\n%s%s%s\n", colorBlue, i18n.T("Project"), colorReset)
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Name:"), proj.Name)
	fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Root:"), proj.Root)
	if proj.ConfigFile != "" {
		fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Config:"), proj.ConfigFile)
	} else {
		fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Config:"), i18n.T("none (run 'mvkit init')"))
	}

	outDir := proj.OutputDir
	if file != nil && file.OutputDir != "" {
		outDir = file.OutputDir
	}

	input, inputErr := pickInput("", file, proj)
	fmt.Fprintf(out, "\n%s%s%s\n", colorBlue, i18n.T("Input"), colorReset)
	fmt.Fprintln(out, strings.Repeat("─", 60))
	if inputErr != nil {
		fmt.Fprintf(out, "  %s\n", inputErr)
	} else {
		units, err := measures.ParseFile(input)
		if err != nil {
			fmt.Fprintf(out, "  %s: %v\n", input, err)
		} else {
			fmt.Fprintf(out, "  %-14s %s\n", i18n.T("File:"), input)
			fmt.Fprintf(out, "  %-14s %d\n", i18n.T("Measures:"), len(units))

			lf, err := lockfile.Load(proj.Root)
			if err == nil {
				key := lockfile.InputKey(proj.Root, input)
				changed := len(lf.FilterChanged(key, units))
				converted := len(units) - changed
				percent := 0
				if len(units) > 0 {
					percent = converted * 100 / len(units)
				}
				fmt.Fprintf(out, "  %-14s %s  %d/%d\n", i18n.T("Converted:"), progressBar(percent, 20), converted, len(units))
				fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Lock file:"), lf.Summary())
			}
		}
	}

	fmt.Fprintf(out, "\n%s%s%s\n", colorBlue, i18n.T("Artifacts"), colorReset)
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Directory:"), outDir)
	batches, _ := artifact.List(outDir)
	combined, _ := artifact.ListCombined(outDir)
	fmt.Fprintf(out, "  %-14s %d\n", i18n.T("Batch files:"), len(batches))
	fmt.Fprintf(out, "  %-14s %d\n", i18n.T("Combined:"), len(combined))
	if latest, _ := artifact.Latest(outDir); latest != "" {
		fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Latest:"), filepath.Base(latest))
	}
	fmt.Fprintln(out)
	return nil
}

// progressBar renders a colored bar for percent (clamped to 0..100).
func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100

	color := colorRed
	switch {
	case percent >= 100:
		color = colorGreen
	case percent >= 50:
		color = colorYellow
	}
	return color + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + colorReset + fmt.Sprintf(" %3d%%", percent)
}

// ---------------------------------------------------------------------------
// combine
// ---------------------------------------------------------------------------

func newCombineCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "combine",
		Short: "Merge batch files into one consolidated file",
		Long: `Merge every converted_metrics_*.txt file in the output directory into a
single combined_all_metrics_*.txt file with per-batch separators and a
summary footer. Does nothing when there are no batch files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveOutputDir(outputDir)
			if err != nil {
				return err
			}
			_, err = combineArtifacts(dir)
			return err
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Artifact directory (default: from .mvkit.yaml or "+config.DefaultOutputDir+")")
	return cmd
}

// combineArtifacts runs the combiner and reports the result.
func combineArtifacts(dir string) (*artifact.Combined, error) {
	res, err := artifact.Combine(dir)
	if err != nil {
		return nil, fmt.Errorf("combining results: %w", err)
	}
	if res == nil {
		logWarning("No conversion files found in %s", dir)
		return nil, nil
	}
	logSuccess("Combined %d metrics from %d files into %s", res.Conversions, len(res.Sources), res.Path)
	return res, nil
}

// resolveOutputDir applies flag > .mvkit.yaml > default.
func resolveOutputDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	proj := config.Detect(rootDir)
	file, err := config.Load(proj.Root)
	if err != nil {
		return "", err
	}
	if file != nil {
		file.Resolve(proj.Root)
		if file.OutputDir != "" {
			return file.OutputDir, nil
		}
	}
	return proj.OutputDir, nil
}

// ---------------------------------------------------------------------------
// export
// ---------------------------------------------------------------------------

func newExportCmd() *cobra.Command {
	var (
		outputDir string
		output    string
		source    string
	)

	cmd := &cobra.Command{
		Use:   "export [FILE]",
		Short: "Write metric view YAML from converted output",
		Long: `Parse converted measures and write a Unity Catalog metric view YAML
document. The original DAX expression is kept as a comment above each expr.

FILE defaults to the newest combined file in the output directory.

Examples:
  mvkit export --source main.sales.fact_sales
  mvkit export uc_converted_metrics/converted_metrics_20250301_143005_01J.txt -O view.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj := config.Detect(rootDir)
			file, err := config.Load(proj.Root)
			if err != nil {
				return err
			}
			if file != nil {
				file.Resolve(proj.Root)
				if source == "" {
					source = file.Source
				}
			}

			in := ""
			if len(args) == 1 {
				in = args[0]
			} else {
				dir, err := resolveOutputDir(outputDir)
				if err != nil {
					return err
				}
				if in, err = artifact.Latest(dir); err != nil {
					return err
				}
				if in == "" {
					return fmt.Errorf("no combined file in %s (run 'mvkit combine' first)", dir)
				}
			}

			return runExport(in, output, source, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Artifact directory to pick the newest combined file from")
	cmd.Flags().StringVarP(&output, "output", "O", "", "Write YAML to this file (default: stdout)")
	cmd.Flags().StringVar(&source, "source", "", "Source table of the metric view (e.g. main.sales.fact_sales)")
	return cmd
}

func runExport(in, output, source string, stdout io.Writer) error {
	entries, err := metricview.ParseFile(in)
	if err != nil {
		return err
	}
	doc, err := metricview.Build(source, entries)
	for _, name := range doc.Skipped {
		logWarning("Skipping %q: no SparkSQL expression in the response", name)
	}
	for _, name := range doc.Replaced {
		logWarning("Measure %q appears more than once; keeping the last one", name)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}

	if output == "" {
		return doc.Encode(stdout)
	}
	if err := doc.WriteFile(output); err != nil {
		return err
	}
	logSuccess("Exported %d measures to %s", len(doc.Measures), output)
	return nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// pickInput applies flag > .mvkit.yaml > single detected export.
func pickInput(flagValue string, file *config.File, proj *config.Project) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if file != nil && file.Input != "" {
		return file.Input, nil
	}
	switch len(proj.Inputs) {
	case 0:
		return "", errors.New("no input file found (pass --input or set 'input' in " + config.FileName + ")")
	case 1:
		return proj.Inputs[0], nil
	default:
		names := make([]string, len(proj.Inputs))
		for i, p := range proj.Inputs {
			names[i], _ = filepath.Rel(proj.Root, p)
		}
		return "", fmt.Errorf("several input files found (%s); pass --input", strings.Join(names, ", "))
	}
}

// providerCompletions lists providers for shell completion.
func providerCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	defaults := convert.DefaultProviders()
	out := make([]string, 0, len(defaults))
	for _, id := range convert.ProviderIDs() {
		out = append(out, id+"\t"+defaults[id].Name)
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
