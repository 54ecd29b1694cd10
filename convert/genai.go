package convert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// newGenAIClient creates a Gemini API client for the google provider.
func newGenAIClient(ctx context.Context, prov Provider, httpClient *http.Client) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     prov.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if prov.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(prov.BaseURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// callGenAI generates a response through the Gemini SDK, retrying rate
// limits and server errors the same way the HTTP providers do.
func (c *Client) callGenAI(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.rl.waitIfPaused(ctx); err != nil {
			return "", err
		}

		c.log.Debug().Str("provider", c.prov.ID).Int("attempt", attempt+1).Str("model", c.prov.Model).Msg("GenerateContent")

		resp, err := c.genai.Models.GenerateContent(ctx, c.prov.Model, genai.Text(userPrompt), config)
		if err == nil {
			text := resp.Text()
			if strings.TrimSpace(text) == "" {
				return "", errors.New("empty response from model")
			}
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var apiErr genai.APIError
		if !errors.As(err, &apiErr) {
			return "", fmt.Errorf("GenerateContent: %w", err)
		}

		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			delay := genaiRetryDelay(apiErr)
			c.log.Warn().Dur("wait", delay).Int("attempt", attempt+1).Int("max_retries", c.maxRetries).Msg("rate limited")
			c.rl.pause(delay)
			if attempt < c.maxRetries {
				if err := sleepCtx(ctx, delay); err != nil {
					return "", err
				}
				continue
			}
			return "", fmt.Errorf("rate limited after %d retries: %s", c.maxRetries, apiErr.Message)
		case apiErr.Code >= 500 && attempt < c.maxRetries:
			c.log.Warn().Int("status", apiErr.Code).Int("attempt", attempt+1).Msg("server error, retrying")
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return "", err
			}
			continue
		}
		return "", fmt.Errorf("API returned status %d: %s", apiErr.Code, apiErr.Message)
	}

	return "", fmt.Errorf("exhausted all %d retries", c.maxRetries)
}

// genaiRetryDelay reads the RetryInfo detail of a Gemini 429.
func genaiRetryDelay(apiErr genai.APIError) time.Duration {
	for _, d := range apiErr.Details {
		t, _ := d["@type"].(string)
		delay, _ := d["retryDelay"].(string)
		if strings.Contains(t, "RetryInfo") && delay != "" {
			if parsed, err := time.ParseDuration(delay); err == nil {
				return parsed + 5*time.Second
			}
		}
	}
	return 65 * time.Second
}
