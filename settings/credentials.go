// Package settings provides unified storage for mvkit user settings,
// including provider credentials and conversion prompts.
//
// All settings are stored in the XDG data directory:
//
//	$XDG_DATA_HOME/mvkit/  (default: ~/.local/share/mvkit/)
//
// Files stored:
//   - auth.json     API keys / tokens and endpoint URLs per provider
//   - prompts.json  conversion prompt parts (customizable by user)
//
// File permissions of auth.json are 0600 (owner read/write only).
//
// Lookup order for API keys:
//  1. --api-key flag (highest priority)
//  2. MVKIT_API_KEY environment variable
//  3. The provider's own environment variable (DATABRICKS_TOKEN, ...)
//  4. This credential store
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	dataDirName = "mvkit"
	fileName    = "auth.json"
	promptsName = "prompts.json"

	// EnvAPIKey overrides stored keys for every provider.
	EnvAPIKey = "MVKIT_API_KEY"
)

// Info is the entry stored per provider in auth.json.
type Info struct {
	// Type is "api" for key/token entries.
	Type string `json:"type"`
	// Key is the API key or personal access token.
	Key string `json:"key,omitempty"`
	// BaseURL is the workspace URL (databricks) or custom endpoint.
	BaseURL string `json:"baseUrl,omitempty"`
}

// IsAPI returns true if this is an API key entry.
func (i *Info) IsAPI() bool {
	return i.Type == "api"
}

// Store holds all provider credentials, keyed by provider ID.
type Store map[string]*Info

// ---------------------------------------------------------------------------
// File path
// ---------------------------------------------------------------------------

// dataDir returns the XDG data directory for mvkit.
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", dataDirName), nil
}

// filePath returns the path to the auth file.
func filePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// FilePath returns the auth.json file path for display purposes.
func FilePath() string {
	p, err := filePath()
	if err != nil {
		return ""
	}
	return p
}

// PromptsFilePath returns the path to the prompts.json file.
func PromptsFilePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, promptsName), nil
}

// DataDir returns the mvkit data directory path.
func DataDir() (string, error) {
	return dataDir()
}

// ---------------------------------------------------------------------------
// Load / Save
// ---------------------------------------------------------------------------

// Load reads the credential store from disk.
// Returns an empty store if the file doesn't exist or is invalid.
func Load() Store {
	path, err := filePath()
	if err != nil {
		return make(Store)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return make(Store)
	}

	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		return make(Store)
	}

	if store == nil {
		return make(Store)
	}

	return store
}

// Save writes the credential store to disk with 0600 permissions.
func Save(store Store) error {
	path, err := filePath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing auth file: %w", err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Get / Set / Delete
// ---------------------------------------------------------------------------

// Get returns the auth entry for a provider, or nil if not found.
func Get(providerID string) *Info {
	store := Load()
	return store[providerID]
}

// Set stores an auth entry for a provider (upsert).
func Set(providerID string, info *Info) error {
	store := Load()
	store[providerID] = info
	return Save(store)
}

// Remove deletes credentials for a provider.
func Remove(providerID string) error {
	store := Load()
	if _, ok := store[providerID]; !ok {
		return nil
	}
	delete(store, providerID)
	return Save(store)
}

// SetAPIKey stores an API key for a provider.
func SetAPIKey(providerID, key string) error {
	return SetAPIKeyWithBaseURL(providerID, key, "")
}

// SetAPIKeyWithBaseURL stores an API key and base URL (databricks workspace
// or custom endpoint).
func SetAPIKeyWithBaseURL(providerID, key, baseURL string) error {
	return Set(providerID, &Info{
		Type:    "api",
		Key:     key,
		BaseURL: baseURL,
	})
}

// GetAPIKey retrieves the stored API key for a provider.
func GetAPIKey(providerID string) string {
	info := Get(providerID)
	if info == nil || !info.IsAPI() {
		return ""
	}
	return info.Key
}

// GetBaseURL retrieves the stored base URL for a provider.
func GetBaseURL(providerID string) string {
	info := Get(providerID)
	if info == nil {
		return ""
	}
	return info.BaseURL
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// EnvVarForProvider returns the provider-specific key variable, or "".
func EnvVarForProvider(providerID string) string {
	switch providerID {
	case "databricks":
		return "DATABRICKS_TOKEN"
	case "google":
		return "GOOGLE_API_KEY"
	case "openai", "custom-openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// ResolveAPIKey picks the key for a provider: flag, MVKIT_API_KEY, the
// provider's variable, then the store.
func ResolveAPIKey(providerID, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		return v
	}
	if name := EnvVarForProvider(providerID); name != "" {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return GetAPIKey(providerID)
}

// ResolveBaseURL picks the endpoint for a provider: flag, DATABRICKS_HOST
// for databricks, then the store.
func ResolveBaseURL(providerID, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if providerID == "databricks" {
		if v := os.Getenv("DATABRICKS_HOST"); v != "" {
			return v
		}
	}
	return GetBaseURL(providerID)
}

// ---------------------------------------------------------------------------
// Display helpers
// ---------------------------------------------------------------------------

// MaskKey returns a masked version of a key/token for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// RemoveAll removes all stored credentials.
func RemoveAll() error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing auth file: %w", err)
	}
	return nil
}
