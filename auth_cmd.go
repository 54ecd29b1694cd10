package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minios-linux/mvkit/convert"
	"github.com/minios-linux/mvkit/settings"
)

// stdin is where interactive prompts read from; tests swap it.
var stdin io.Reader = os.Stdin

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
		Long: `Manage API keys, tokens and endpoint URLs for AI providers.

Token providers:
  databricks    Workspace URL + personal access token

API key providers (paste your key):
  google        Google AI Studio (Gemini API key)
  openai        OpenAI
  anthropic     Anthropic
  groq          Groq Cloud
  custom-openai Custom OpenAI-compatible endpoint

No auth required:
  ollama        Local Ollama server

Examples:
  mvkit auth login                         Interactive provider selection
  mvkit auth login --provider databricks   Store workspace URL and token
  mvkit auth logout --provider google      Remove Google API key
  mvkit auth logout                        Remove all credentials
  mvkit auth list                          Show all stored credentials`,
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthListCmd(),
	)

	return cmd
}

// authProviders is the ordered list of providers for the interactive menu.
var authProviders = []struct {
	id      string
	desc    string
	helpURL string
}{
	{convert.ProviderDatabricks, "Model Serving, workspace URL + token", "https://docs.databricks.com/en/dev-tools/auth/pat.html"},
	{convert.ProviderGoogle, "Google AI Studio, Gemini API key", "https://aistudio.google.com/apikey"},
	{convert.ProviderOpenAI, "OpenAI API key", "https://platform.openai.com/api-keys"},
	{convert.ProviderAnthropic, "Anthropic API key", "https://console.anthropic.com/settings/keys"},
	{convert.ProviderGroq, "Groq Cloud, free tier available", "https://console.groq.com/keys"},
	{convert.ProviderCustomOpenAI, "any OpenAI-compatible endpoint", ""},
}

func authProviderCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	defaults := convert.DefaultProviders()
	out := make([]string, 0, len(authProviders))
	for _, p := range authProviders {
		out = append(out, p.id+"\t"+defaults[p.id].Name)
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func isAuthProvider(id string) bool {
	for _, p := range authProviders {
		if p.id == id {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// auth login
// ---------------------------------------------------------------------------

func newAuthLoginCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store credentials for an AI provider",
		Long: `Store an API key or token for an AI provider.

If --provider is not specified, you will be prompted to choose.
Databricks and custom-openai also ask for the base URL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := bufio.NewScanner(stdin)

			if provider == "" {
				id, err := chooseProvider(scanner)
				if err != nil {
					return err
				}
				provider = id
			}
			if !isAuthProvider(provider) {
				return fmt.Errorf("%w: %q (run 'mvkit auth login' for options)", convert.ErrUnknownProvider, provider)
			}

			return authLogin(scanner, provider)
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider to authenticate")
	_ = cmd.RegisterFlagCompletionFunc("provider", authProviderCompletions)

	return cmd
}

func chooseProvider(scanner *bufio.Scanner) (string, error) {
	fmt.Fprintln(stderr)
	fmt.Fprintf(stderr, "%sSelect provider to authenticate:%s\n\n", colorBlue, colorReset)
	for i, p := range authProviders {
		fmt.Fprintf(stderr, "  %d. %s%-13s%s %s\n", i+1, colorYellow, p.id, colorReset, p.desc)
	}
	fmt.Fprintln(stderr)
	fmt.Fprintf(stderr, "Enter choice (number or name): ")

	choice, err := readLine(scanner)
	if err != nil {
		return "", err
	}
	for i, p := range authProviders {
		if choice == strconv.Itoa(i+1) || choice == p.id {
			return p.id, nil
		}
	}
	return "", errors.New("invalid choice; use: mvkit auth login --provider PROVIDER")
}

// readLine returns the next trimmed input line.
func readLine(scanner *bufio.Scanner) (string, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no input received")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// authLogin prompts for the base URL (when the provider has one) and the
// key, keeping existing values on empty input.
func authLogin(scanner *bufio.Scanner, providerID string) error {
	prov := convert.DefaultProviders()[providerID]
	existing := settings.Get(providerID)
	if existing == nil {
		existing = &settings.Info{}
	}

	fmt.Fprintf(stderr, "\n%s%s credentials%s\n", colorBlue, prov.Name, colorReset)
	fmt.Fprintln(stderr, strings.Repeat("─", 60))
	fmt.Fprintln(stderr)
	for _, p := range authProviders {
		if p.id == providerID && p.helpURL != "" {
			fmt.Fprintf(stderr, "  Get your key from: %s%s%s\n\n", colorGreen, p.helpURL, colorReset)
		}
	}

	baseURL := existing.BaseURL
	needsURL := providerID == convert.ProviderDatabricks || providerID == convert.ProviderCustomOpenAI
	if needsURL {
		label := "endpoint URL (e.g. https://api.example.com/v1)"
		if providerID == convert.ProviderDatabricks {
			label = "workspace URL (e.g. https://adb-123.4.azuredatabricks.net)"
		}
		if baseURL != "" {
			fmt.Fprintf(stderr, "  Current URL: %s%s%s\n", colorYellow, baseURL, colorReset)
			fmt.Fprintf(stderr, "  Enter new %s, or press Enter to keep: ", label)
		} else {
			fmt.Fprintf(stderr, "  Enter %s: ", label)
		}
		line, err := readLine(scanner)
		if err != nil {
			return err
		}
		if line != "" {
			baseURL = strings.TrimRight(line, "/")
		}
		if baseURL == "" {
			return errors.New("a base URL is required")
		}
	}

	if existing.Key != "" {
		fmt.Fprintf(stderr, "  Current key: %s%s%s\n", colorYellow, settings.MaskKey(existing.Key), colorReset)
		fmt.Fprintf(stderr, "  Enter new key to replace, or press Enter to keep: ")
	} else {
		fmt.Fprintf(stderr, "  Enter API key or token: ")
	}
	key, err := readLine(scanner)
	if err != nil {
		return err
	}
	if key == "" {
		key = existing.Key
	}
	if key == "" && providerID != convert.ProviderCustomOpenAI {
		return errors.New("no API key provided")
	}

	if needsURL {
		err = settings.SetAPIKeyWithBaseURL(providerID, key, baseURL)
	} else {
		err = settings.SetAPIKey(providerID, key)
	}
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	logSuccess("%s credentials saved", prov.Name)
	fmt.Fprintf(stderr, "\n  You can now use: mvkit convert --provider %s\n\n", providerID)
	return nil
}

// ---------------------------------------------------------------------------
// auth logout
// ---------------------------------------------------------------------------

func newAuthLogoutCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Long: `Remove stored credentials for one or all providers.

If --provider is not specified, credentials for ALL providers are removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				if err := settings.RemoveAll(); err != nil {
					return fmt.Errorf("removing credentials: %w", err)
				}
				logSuccess("All stored credentials removed")
				return nil
			}
			if !isAuthProvider(provider) {
				return fmt.Errorf("%w: %q (run 'mvkit auth list' to see providers)", convert.ErrUnknownProvider, provider)
			}
			if err := settings.Remove(provider); err != nil {
				return fmt.Errorf("removing %s credentials: %w", provider, err)
			}
			logSuccess("%s credentials removed", provider)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider to logout (default: all)")
	_ = cmd.RegisterFlagCompletionFunc("provider", authProviderCompletions)

	return cmd
}

// ---------------------------------------------------------------------------
// auth list
// ---------------------------------------------------------------------------

func newAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show stored credentials and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			printCredentials(cmd.OutOrStdout())
			return nil
		},
	}
}

func printCredentials(out io.Writer) {
	fmt.Fprintf(out, "\n%sStored Credentials%s\n", colorBlue, colorReset)
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "  %s\n", settings.FilePath())

	fmt.Fprintf(out, "\n  %sProviders%s\n", colorYellow, colorReset)
	for _, p := range authProviders {
		entry := settings.Get(p.id)
		switch {
		case entry != nil && entry.Key != "":
			status := fmt.Sprintf("%sconfigured%s (key: %s)", colorGreen, colorReset, settings.MaskKey(entry.Key))
			if entry.BaseURL != "" {
				status += fmt.Sprintf("\n  %14s url: %s", "", entry.BaseURL)
			}
			fmt.Fprintf(out, "  %-14s %s\n", p.id, status)
		case entry != nil && entry.BaseURL != "":
			fmt.Fprintf(out, "  %-14s %sconfigured%s (no key)\n  %14s url: %s\n", p.id, colorGreen, colorReset, "", entry.BaseURL)
		default:
			fmt.Fprintf(out, "  %-14s %snot configured%s\n", p.id, colorRed, colorReset)
		}
	}

	fmt.Fprintf(out, "\n  %sEnvironment Variables%s\n", colorYellow, colorReset)
	vars := []string{settings.EnvAPIKey, "DATABRICKS_HOST"}
	for _, p := range authProviders {
		if v := settings.EnvVarForProvider(p.id); v != "" && !slices.Contains(vars, v) {
			vars = append(vars, v)
		}
	}
	for _, v := range vars {
		value := os.Getenv(v)
		switch {
		case value == "":
			fmt.Fprintf(out, "  %-18s %snot set%s\n", v, colorRed, colorReset)
		case v == "DATABRICKS_HOST":
			fmt.Fprintf(out, "  %-18s %s%s%s\n", v, colorGreen, value, colorReset)
		default:
			fmt.Fprintf(out, "  %-18s %s%s%s\n", v, colorGreen, settings.MaskKey(value), colorReset)
		}
	}
	fmt.Fprintln(out)
}
