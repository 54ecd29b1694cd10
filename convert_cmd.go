package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/minios-linux/mvkit/artifact"
	"github.com/minios-linux/mvkit/config"
	"github.com/minios-linux/mvkit/convert"
	"github.com/minios-linux/mvkit/i18n"
	"github.com/minios-linux/mvkit/lockfile"
	"github.com/minios-linux/mvkit/measures"
	"github.com/minios-linux/mvkit/settings"
)

// errBatchesFailed is returned by convert when at least one batch failed.
var errBatchesFailed = errors.New("some batches failed")

// convertSettings is the effective configuration of one convert run.
type convertSettings struct {
	Input        string
	OutputDir    string
	BatchSize    int
	Concurrency  int
	RequestDelay time.Duration

	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Proxy      string
	Timeout    time.Duration
	MaxRetries int
	PromptFile string

	DryRun      bool
	Fresh       bool
	ChangedOnly bool
}

func defaultConvertSettings() convertSettings {
	return convertSettings{
		BatchSize:   convert.DefaultBatchSize,
		Concurrency: convert.DefaultConcurrency,
		Provider:    convert.ProviderDatabricks,
		MaxRetries:  convert.DefaultMaxRetries,
	}
}

// applyFile overlays the values set in .mvkit.yaml.
func (s *convertSettings) applyFile(f *config.File) {
	if f == nil {
		return
	}
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}

	setStr(&s.Input, f.Input)
	setStr(&s.OutputDir, f.OutputDir)
	setInt(&s.BatchSize, f.BatchSize)
	setInt(&s.Concurrency, f.Concurrency)
	setDur(&s.RequestDelay, f.RequestDelay)
	setStr(&s.Provider, f.Provider)
	setStr(&s.Model, f.Model)
	setStr(&s.BaseURL, f.BaseURL)
	setStr(&s.Proxy, f.Proxy)
	setDur(&s.Timeout, f.Timeout)
	setInt(&s.MaxRetries, f.MaxRetries)
	setStr(&s.PromptFile, f.PromptFile)
}

// applyFlags overlays the flags the user actually set.
func (s *convertSettings) applyFlags(cmd *cobra.Command, flags convertSettings) {
	changed := cmd.Flags().Changed
	if changed("input") {
		s.Input = flags.Input
	}
	if changed("output-dir") {
		s.OutputDir = flags.OutputDir
	}
	if changed("batch-size") {
		s.BatchSize = flags.BatchSize
	}
	if changed("concurrency") {
		s.Concurrency = flags.Concurrency
	}
	if changed("request-delay") {
		s.RequestDelay = flags.RequestDelay
	}
	if changed("provider") {
		s.Provider = flags.Provider
	}
	if changed("model") {
		s.Model = flags.Model
	}
	if changed("api-key") {
		s.APIKey = flags.APIKey
	}
	if changed("base-url") {
		s.BaseURL = flags.BaseURL
	}
	if changed("proxy") {
		s.Proxy = flags.Proxy
	}
	if changed("timeout") {
		s.Timeout = flags.Timeout
	}
	if changed("max-retries") {
		s.MaxRetries = flags.MaxRetries
	}
	if changed("prompt-file") {
		s.PromptFile = flags.PromptFile
	}
	s.DryRun = flags.DryRun
	s.Fresh = flags.Fresh
	s.ChangedOnly = flags.ChangedOnly
}

func (s *convertSettings) validate() error {
	if s.BatchSize <= 0 {
		return fmt.Errorf("%w: got %d", convert.ErrInvalidBatchSize, s.BatchSize)
	}
	if s.Concurrency <= 0 {
		return fmt.Errorf("%w: got %d", convert.ErrInvalidConcurrency, s.Concurrency)
	}
	if s.RequestDelay < 0 {
		return fmt.Errorf("request delay must not be negative: got %s", s.RequestDelay)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative: got %d", s.MaxRetries)
	}
	return nil
}

// ---------------------------------------------------------------------------
// convert command
// ---------------------------------------------------------------------------

func newConvertCmd() *cobra.Command {
	var flags convertSettings

	cmd := &cobra.Command{
		Use:   "convert [INPUT]",
		Short: "Convert DAX measures (batch + concurrent AI calls)",
		Long: `Convert DAX measures into SparkSQL for Unity Catalog metric views.

INPUT is a JSON or YAML measure export (a 'measures' list or a model.bim
with model.tables[].measures). Measures are split into batches of
--batch-size and up to --concurrency batches are sent at once. Each
successful batch is saved as its own file in the output directory, then all
batch files are combined.

Failed batches are reported and do not stop the others; the command exits
with an error if any batch failed.

Examples:
  mvkit convert measures.json
  mvkit convert --batch-size 50 --concurrency 8
  mvkit convert --provider openai --model gpt-4o --changed-only
  mvkit convert --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if cmd.Flags().Changed("input") {
					return errors.New("pass INPUT either as an argument or with --input, not both")
				}
			}

			proj := config.Detect(rootDir)
			file, err := config.Load(proj.Root)
			if err != nil {
				return err
			}
			if file != nil {
				file.Resolve(proj.Root)
			}

			s := defaultConvertSettings()
			s.OutputDir = proj.OutputDir
			s.applyFile(file)
			s.applyFlags(cmd, flags)
			if len(args) == 1 {
				s.Input = args[0]
			}
			if s.Input, err = pickInput(s.Input, nil, proj); err != nil {
				return err
			}
			if err := s.validate(); err != nil {
				return err
			}

			return runConvert(cmd, proj, s)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.Input, "input", "i", "", "Measure export file (JSON/YAML/model.bim)")
	f.StringVarP(&flags.OutputDir, "output-dir", "o", "", "Artifact directory (default: "+config.DefaultOutputDir+")")
	f.IntVarP(&flags.BatchSize, "batch-size", "b", convert.DefaultBatchSize, "Measures per AI request")
	f.IntVarP(&flags.Concurrency, "concurrency", "j", convert.DefaultConcurrency, "Maximum concurrent AI requests")
	f.DurationVar(&flags.RequestDelay, "request-delay", 0, "Delay between starting consecutive batches")
	f.StringVarP(&flags.Provider, "provider", "p", convert.ProviderDatabricks, "AI provider: "+strings.Join(convert.ProviderIDs(), ", "))
	f.StringVarP(&flags.Model, "model", "m", "", "Model name (default: provider-specific)")
	f.StringVar(&flags.APIKey, "api-key", "", "API key or token (overrides env and saved credentials)")
	f.StringVar(&flags.BaseURL, "base-url", "", "Provider base URL (Databricks workspace URL, custom endpoint)")
	f.StringVar(&flags.Proxy, "proxy", "", "HTTP/SOCKS proxy URL")
	f.DurationVar(&flags.Timeout, "timeout", 0, "Timeout per AI request (default: provider-specific)")
	f.IntVar(&flags.MaxRetries, "max-retries", convert.DefaultMaxRetries, "Retries per request on network errors, 429 and 5xx")
	f.StringVar(&flags.PromptFile, "prompt-file", "", "Prompts file (default: user data dir prompts.json)")
	f.BoolVarP(&flags.DryRun, "dry-run", "n", false, "Show the batch plan without calling the AI")
	f.BoolVar(&flags.Fresh, "fresh", false, "Delete existing batch files before converting")
	f.BoolVar(&flags.ChangedOnly, "changed-only", false, "Only convert measures that changed since the last run")

	_ = cmd.RegisterFlagCompletionFunc("provider", providerCompletions)

	return cmd
}

func runConvert(cmd *cobra.Command, proj *config.Project, s convertSettings) error {
	ctx := cmd.Context()

	units, err := measures.ParseFile(s.Input)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		logWarning("No measures found in %s", s.Input)
		return nil
	}
	logInfo("Loaded %d measures from %s", len(units), s.Input)

	lf, err := lockfile.Load(proj.Root)
	if err != nil {
		return err
	}
	inputKey := lockfile.InputKey(proj.Root, s.Input)

	todo := units
	if s.ChangedOnly {
		todo = lf.FilterChanged(inputKey, units)
		if skipped := len(units) - len(todo); skipped > 0 {
			logInfo("Skipping %d unchanged measures", skipped)
		}
		if len(todo) == 0 {
			logSuccess("All measures are up to date")
			return nil
		}
	}

	batches, err := convert.Split(todo, s.BatchSize)
	if err != nil {
		return err
	}

	if s.DryRun {
		printPlan(cmd.OutOrStdout(), s, batches)
		return nil
	}

	prov, err := resolveProvider(s)
	if err != nil {
		return err
	}

	prompts, err := loadPrompts(s.PromptFile)
	if err != nil {
		return err
	}

	if s.Fresh {
		n, err := artifact.Clear(s.OutputDir)
		if err != nil {
			return err
		}
		if n > 0 {
			logInfo("Removed %d previous batch files", n)
		}
	}

	store, err := artifact.Open(s.OutputDir, artifact.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := convert.NewClient(ctx, prov, convert.ClientOptions{
		SystemPrompt: convert.SystemPrompt(prompts),
		MaxRetries:   s.MaxRetries,
		Logger:       &logger,
	})
	if err != nil {
		return err
	}

	logInfo("Converting %d measures in %d batches with %s (%s), concurrency %d",
		len(todo), len(batches), prov.Name, prov.Model, s.Concurrency)

	worker := &convert.Worker{
		Translator: client,
		Writer:     store,
		Timeout:    prov.Timeout,
		Logger:     logger,
	}
	rep, err := convert.Convert(ctx, todo, worker, convert.Options{
		BatchSize:     s.BatchSize,
		MaxConcurrent: s.Concurrency,
		RequestDelay:  s.RequestDelay,
		Logger:        &logger,
		OnProgress:    progressReporter(len(batches)),
	})
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), rep)

	var converted []measures.Measure
	for i, o := range rep.Outcomes {
		if !o.Failed() {
			converted = append(converted, rep.Batches[i].Units...)
		}
	}
	lf.Record(inputKey, converted)
	if removed := lf.Clean(inputKey, measures.Names(units)); removed > 0 {
		logInfo("Removed %d stale lock entries", removed)
	}
	if err := lf.Save(); err != nil {
		logWarning("Failed to save lock file: %v", err)
	}

	sum := rep.Summary()
	if sum.Succeeded > 0 {
		if err := store.Close(); err != nil {
			return err
		}
		if _, err := combineArtifacts(s.OutputDir); err != nil {
			return err
		}
	}

	if sum.Failed > 0 {
		var labels []string
		for _, o := range convert.FailedOutcomes(rep.Outcomes) {
			labels = append(labels, o.Label)
		}
		return fmt.Errorf("%w: %d of %d (%s)", errBatchesFailed, sum.Failed, sum.Batches, strings.Join(labels, ", "))
	}
	return nil
}

// resolveProvider merges the provider defaults with settings, environment
// and saved credentials, then validates the result.
func resolveProvider(s convertSettings) (convert.Provider, error) {
	prov, ok := convert.DefaultProviders()[s.Provider]
	if !ok {
		return convert.Provider{}, fmt.Errorf("%w: %q (available: %s)",
			convert.ErrUnknownProvider, s.Provider, strings.Join(convert.ProviderIDs(), ", "))
	}

	if s.Model != "" {
		prov.Model = s.Model
	}
	if baseURL := settings.ResolveBaseURL(prov.ID, s.BaseURL); baseURL != "" {
		prov.BaseURL = baseURL
	}
	prov.APIKey = settings.ResolveAPIKey(prov.ID, s.APIKey)
	if s.Proxy != "" {
		prov.Proxy = s.Proxy
	}
	if s.Timeout > 0 {
		prov.Timeout = s.Timeout
	}

	if err := prov.Validate(); err != nil {
		if prov.APIKey == "" && prov.ID != convert.ProviderOllama && prov.ID != convert.ProviderCustomOpenAI {
			return prov, fmt.Errorf("%w\n  Run 'mvkit auth login %s' or set %s", err, prov.ID, settings.EnvVarForProvider(prov.ID))
		}
		return prov, err
	}
	return prov, nil
}

// loadPrompts reads an explicit prompts file, or the user prompts file
// (created with defaults on first use).
func loadPrompts(path string) (*convert.PromptsConfig, error) {
	if path != "" {
		cfg, err := convert.LoadPromptsFromFile(path)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, fmt.Errorf("prompts file not found: %s", path)
		}
		return cfg, nil
	}

	userPath, err := settings.PromptsFilePath()
	if err != nil {
		logger.Debug().Err(err).Msg("no user prompts file; using built-in prompts")
		return nil, nil
	}
	cfg, err := convert.LoadPrompts(userPath)
	if err != nil {
		logWarning("Failed to load prompts from %s: %v", userPath, err)
		return nil, nil
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// progressReporter prints one line per finished batch.
func progressReporter(total int) func(done, _ int, o convert.Outcome) {
	width := len(fmt.Sprint(total))
	return func(done, _ int, o convert.Outcome) {
		if o.Failed() {
			fmt.Fprintf(stderr, "  [%*d/%d] %s✗%s %s: %s\n", width, done, total, colorRed, colorReset, o.Label, o.Reason())
			return
		}
		fmt.Fprintf(stderr, "  [%*d/%d] %s✓%s %s (%s)\n", width, done, total, colorGreen, colorReset, o.Label, o.Elapsed.Round(time.Millisecond))
	}
}

// printPlan shows what convert would do without calling the provider.
func printPlan(out io.Writer, s convertSettings, batches []convert.Batch) {
	total := 0
	for _, b := range batches {
		total += b.Size()
	}

	fmt.Fprintf(out, "%s\n", i18n.T("Dry run: no requests will be sent"))
	fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Input:"), s.Input)
	fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Output:"), s.OutputDir)
	fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Provider:"), s.Provider)
	fmt.Fprintf(out, "  %-14s %d\n", i18n.T("Concurrency:"), s.Concurrency)
	fmt.Fprintf(out, "  "+i18n.N("%d measure in %d batches", "%d measures in %d batches", total)+"\n", total, len(batches))
	for _, b := range batches {
		first := b.Units[0].Name
		last := b.Units[len(b.Units)-1].Name
		fmt.Fprintf(out, "    %-14s %4d  %s .. %s\n", b.Label(), b.Size(), first, last)
	}
}

// printSummary prints the run totals and one line per batch in batch order.
func printSummary(out io.Writer, rep *convert.Report) {
	sum := rep.Summary()

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s%s%s\n", colorBlue, i18n.T("Conversion summary"), colorReset)
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "  %-14s %d\n", i18n.T("Batches:"), sum.Batches)
	fmt.Fprintf(out, "  %-14s %d\n", i18n.T("Succeeded:"), sum.Succeeded)
	fmt.Fprintf(out, "  %-14s %d\n", i18n.T("Failed:"), sum.Failed)
	percent := 0
	if sum.Total > 0 {
		percent = sum.Converted * 100 / sum.Total
	}
	fmt.Fprintf(out, "  %-14s %s  %d/%d\n", i18n.T("Measures:"), progressBar(percent, 20), sum.Converted, sum.Total)
	fmt.Fprintf(out, "  %-14s %s\n", i18n.T("Elapsed:"), sum.Elapsed.Round(time.Millisecond))

	if len(rep.Outcomes) > 0 {
		fmt.Fprintf(out, "\n%s%s%s\n", colorBlue, i18n.T("Batch results"), colorReset)
	}
	for _, o := range rep.Outcomes {
		if o.Failed() {
			fmt.Fprintf(out, "  %s✗%s %-12s %4d  %s\n", colorRed, colorReset, o.Label, o.Units, o.Reason())
			continue
		}
		fmt.Fprintf(out, "  %s✓%s %-12s %4d  %s\n", colorGreen, colorReset, o.Label, o.Units, filepath.Base(o.Artifact))
	}
	fmt.Fprintln(out)
}
