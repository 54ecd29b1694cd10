package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Provider IDs
// ---------------------------------------------------------------------------

const (
	ProviderDatabricks   = "databricks"
	ProviderGoogle       = "google"
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderGroq         = "groq"
	ProviderOllama       = "ollama"
	ProviderCustomOpenAI = "custom-openai"
)

// ErrUnknownProvider is returned for a provider ID not in DefaultProviders.
var ErrUnknownProvider = errors.New("unknown provider")

// ---------------------------------------------------------------------------
// Provider configuration
// ---------------------------------------------------------------------------

// Provider holds the configuration for an AI service.
type Provider struct {
	// ID is the provider identifier (databricks, google, openai, ...).
	ID string
	// Name is the display name.
	Name string
	// BaseURL is the API base URL. For databricks it is the workspace URL.
	BaseURL string
	// APIKey is the authentication key or token (empty for local services).
	APIKey string
	// Model is the model or serving endpoint name.
	Model string
	// Proxy is an optional HTTP/HTTPS proxy URL.
	Proxy string
	// Timeout is the HTTP client timeout.
	Timeout time.Duration
}

// DefaultProviders returns the pre-configured provider definitions.
func DefaultProviders() map[string]Provider {
	return map[string]Provider{
		ProviderDatabricks: {
			ID:      ProviderDatabricks,
			Name:    "Databricks Model Serving",
			Model:   "databricks-claude-sonnet-4",
			Timeout: 180 * time.Second,
		},
		ProviderGoogle: {
			ID:      ProviderGoogle,
			Name:    "Google AI (Gemini)",
			Model:   "gemini-2.5-flash",
			Timeout: 120 * time.Second,
		},
		ProviderOpenAI: {
			ID:      ProviderOpenAI,
			Name:    "OpenAI",
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
			Timeout: 120 * time.Second,
		},
		ProviderAnthropic: {
			ID:      ProviderAnthropic,
			Name:    "Anthropic",
			BaseURL: "https://api.anthropic.com/v1",
			Model:   "claude-sonnet-4-0",
			Timeout: 180 * time.Second,
		},
		ProviderGroq: {
			ID:      ProviderGroq,
			Name:    "Groq",
			BaseURL: "https://api.groq.com/openai/v1",
			Timeout: 60 * time.Second,
		},
		ProviderOllama: {
			ID:      ProviderOllama,
			Name:    "Ollama",
			BaseURL: "http://localhost:11434/v1",
			Timeout: 300 * time.Second,
		},
		ProviderCustomOpenAI: {
			ID:      ProviderCustomOpenAI,
			Name:    "Custom OpenAI",
			Timeout: 120 * time.Second,
		},
	}
}

// ProviderIDs returns the known provider IDs in display order.
func ProviderIDs() []string {
	return []string{
		ProviderDatabricks, ProviderGoogle, ProviderOpenAI, ProviderAnthropic,
		ProviderGroq, ProviderOllama, ProviderCustomOpenAI,
	}
}

// Validate checks that the provider has what it needs to make a call.
func (p Provider) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("provider %q: model is required", p.ID)
	}
	switch p.ID {
	case ProviderDatabricks:
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q requires the workspace URL (--base-url or DATABRICKS_HOST)", p.ID)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %q requires a token (--api-key, DATABRICKS_TOKEN or 'mvkit auth login')", p.ID)
		}
	case ProviderGoogle, ProviderOpenAI, ProviderAnthropic, ProviderGroq:
		if p.APIKey == "" {
			return fmt.Errorf("provider %q requires an API key (--api-key, MVKIT_API_KEY or 'mvkit auth login')", p.ID)
		}
	case ProviderCustomOpenAI:
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q requires an endpoint URL (--base-url)", p.ID)
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, p.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rate limit state (global pause for parallel workers)
// ---------------------------------------------------------------------------

type rateLimitState struct {
	mu       sync.Mutex
	paused   int32 // atomic: 1 = paused
	pauseEnd time.Time
}

func (r *rateLimitState) isPaused() bool {
	return atomic.LoadInt32(&r.paused) == 1
}

func (r *rateLimitState) pause(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := time.Now().Add(duration)
	if end.After(r.pauseEnd) {
		r.pauseEnd = end
	}
	atomic.StoreInt32(&r.paused, 1)
}

func (r *rateLimitState) unpause() {
	atomic.StoreInt32(&r.paused, 0)
}

// waitIfPaused blocks until the rate limit pause is over.
func (r *rateLimitState) waitIfPaused(ctx context.Context) error {
	for r.isPaused() {
		r.mu.Lock()
		remaining := time.Until(r.pauseEnd)
		r.mu.Unlock()
		if remaining <= 0 {
			r.unpause()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(remaining, 100*time.Millisecond)):
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP client with proxy support
// ---------------------------------------------------------------------------

func makeHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// ---------------------------------------------------------------------------
// Request builders
// ---------------------------------------------------------------------------

type apiFormat int

const (
	formatOpenAIChat apiFormat = iota // OpenAI chat/completions (also Databricks serving)
	formatAnthropic                   // Anthropic messages
)

func buildOpenAIChatRequest(model, systemPrompt, userPrompt string) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	req := struct {
		Model       string  `json:"model"`
		Messages    []msg   `json:"messages"`
		Temperature float64 `json:"temperature"`
		Stream      bool    `json:"stream"`
	}{
		Model: model,
		Messages: []msg{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	return json.Marshal(req)
}

func buildAnthropicRequest(model, systemPrompt, userPrompt string) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	req := struct {
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		System      string  `json:"system,omitempty"`
		Messages    []msg   `json:"messages"`
	}{
		Model:     model,
		MaxTokens: 16384,
		System:    systemPrompt,
		Messages: []msg{
			{Role: "user", Content: userPrompt},
		},
	}
	return json.Marshal(req)
}

// buildHTTPRequest constructs the endpoint, headers, and body for an HTTP provider.
func buildHTTPRequest(prov Provider, systemPrompt, userPrompt string, format apiFormat) (string, map[string]string, []byte, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
	}

	var endpoint string
	var body []byte
	var err error

	switch format {
	case formatAnthropic:
		endpoint = strings.TrimRight(prov.BaseURL, "/") + "/messages"
		if prov.APIKey != "" {
			headers["x-api-key"] = prov.APIKey
		}
		headers["anthropic-version"] = "2023-06-01"
		body, err = buildAnthropicRequest(prov.Model, systemPrompt, userPrompt)

	default: // formatOpenAIChat
		baseURL := strings.TrimRight(prov.BaseURL, "/")
		if prov.ID == ProviderDatabricks && !strings.HasSuffix(baseURL, "/serving-endpoints") &&
			!strings.HasSuffix(baseURL, "/chat/completions") {
			baseURL += "/serving-endpoints"
		}
		if !strings.HasSuffix(baseURL, "/chat/completions") {
			endpoint = baseURL + "/chat/completions"
		} else {
			endpoint = baseURL
		}
		if prov.APIKey != "" {
			headers["Authorization"] = "Bearer " + prov.APIKey
		}
		body, err = buildOpenAIChatRequest(prov.Model, systemPrompt, userPrompt)
	}

	if err != nil {
		return "", nil, nil, err
	}
	return endpoint, headers, body, nil
}

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

// extractResponseText tries all known response formats and returns the text.
func extractResponseText(body []byte) (string, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("invalid JSON response: %w", err)
	}

	if errObj, ok := raw["error"]; ok && errObj != nil {
		if errMap, ok := errObj.(map[string]any); ok {
			if msg, ok := errMap["message"].(string); ok {
				return "", fmt.Errorf("API error: %s", msg)
			}
		}
		return "", fmt.Errorf("API error: %v", errObj)
	}

	// OpenAI chat format: choices[0].message.content
	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}

	// Anthropic format: content[].type=="text" -> .text
	if contentArr, ok := raw["content"].([]any); ok {
		var parts []string
		for _, c := range contentArr {
			if block, ok := c.(map[string]any); ok && block["type"] == "text" {
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, ""), nil
		}
	}

	// Gemini format: candidates[0].content.parts[].text
	if candidates, ok := raw["candidates"].([]any); ok && len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			if content, ok := candidate["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok && len(parts) > 0 {
					if part, ok := parts[0].(map[string]any); ok {
						if text, ok := part["text"].(string); ok {
							return text, nil
						}
					}
				}
			}
		}
	}

	return "", fmt.Errorf("could not extract text from response: %s", truncate(string(body), 500))
}

// parseRetryDelay returns how long to wait after a 429. It honours a
// Retry-After header (seconds), then Google's RetryInfo detail, and falls
// back to 65s. A 5s buffer is added to server-advised delays.
func parseRetryDelay(header http.Header, body []byte) time.Duration {
	const defaultDelay = 65 * time.Second

	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs >= 0 {
			return time.Duration(secs)*time.Second + 5*time.Second
		}
	}

	var errResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return defaultDelay
	}

	for _, detail := range errResp.Error.Details {
		if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
			d := strings.TrimSuffix(detail.RetryDelay, "s")
			if secs, err := strconv.ParseFloat(d, 64); err == nil {
				return time.Duration(secs*1000)*time.Millisecond + 5*time.Second
			}
		}
	}

	return defaultDelay
}

// backoff is the wait before retry attempt+1 after a transient failure.
func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ---------------------------------------------------------------------------
// HTTP-based provider call
// ---------------------------------------------------------------------------

func (c *Client) callHTTPProvider(ctx context.Context, systemPrompt, userPrompt string, format apiFormat) (string, error) {
	prov := c.prov
	endpoint, headers, body, err := buildHTTPRequest(prov, systemPrompt, userPrompt, format)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.rl.waitIfPaused(ctx); err != nil {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		c.log.Debug().Str("provider", prov.ID).Int("attempt", attempt+1).Str("endpoint", endpoint).Msg("POST")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if attempt < c.maxRetries {
				c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("request failed, retrying")
				if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
					return "", err
				}
				continue
			}
			return "", fmt.Errorf("API request failed: %w", err)
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			retryDelay := c.retryDelay(resp.Header, respBody)
			c.log.Warn().Dur("wait", retryDelay).Int("attempt", attempt+1).Int("max_retries", c.maxRetries).Msg("rate limited")
			c.rl.pause(retryDelay)
			if attempt < c.maxRetries {
				if err := sleepCtx(ctx, retryDelay); err != nil {
					return "", err
				}
				continue
			}
			return "", fmt.Errorf("rate limited after %d retries: %s", c.maxRetries, truncate(string(respBody), 500))
		}

		if resp.StatusCode != http.StatusOK {
			if attempt < c.maxRetries && resp.StatusCode >= 500 {
				c.log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("server error, retrying")
				if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
					return "", err
				}
				continue
			}
			return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
		}

		return extractResponseText(respBody)
	}

	return "", fmt.Errorf("exhausted all %d retries", c.maxRetries)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
