package convert

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// SystemPrompt is sent with every request. Defaults to SystemPrompt(nil).
	SystemPrompt string
	// MaxRetries bounds transport-level retries per request (default 3).
	MaxRetries int
	// Logger receives retry and request diagnostics.
	Logger *zerolog.Logger
}

// Client sends conversion requests to a single provider. It implements
// Translator and is safe for concurrent use; all goroutines sharing a Client
// honour the same rate limit pause.
type Client struct {
	prov         Provider
	systemPrompt string
	maxRetries   int
	log          zerolog.Logger

	http  *http.Client
	genai *genai.Client
	rl    *rateLimitState

	backoff    func(attempt int) time.Duration
	retryDelay func(header http.Header, body []byte) time.Duration
}

// NewClient validates prov and prepares a client for it.
func NewClient(ctx context.Context, prov Provider, opts ClientOptions) (*Client, error) {
	if err := prov.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		prov:         prov,
		systemPrompt: opts.SystemPrompt,
		maxRetries:   opts.MaxRetries,
		log:          zerolog.Nop(),
		http:         makeHTTPClient(prov.Proxy, prov.Timeout),
		rl:           &rateLimitState{},
		backoff:      backoff,
		retryDelay:   parseRetryDelay,
	}
	if c.systemPrompt == "" {
		c.systemPrompt = SystemPrompt(nil)
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("provider", prov.ID).Logger()
	}

	if prov.ID == ProviderGoogle {
		gc, err := newGenAIClient(ctx, prov, c.http)
		if err != nil {
			return nil, err
		}
		c.genai = gc
	}
	return c, nil
}

// Provider returns the provider this client talks to.
func (c *Client) Provider() Provider { return c.prov }

// Translate sends one batch payload and returns the model's text.
func (c *Client) Translate(ctx context.Context, payload string) (string, error) {
	user := UserPrompt(payload)
	switch c.prov.ID {
	case ProviderGoogle:
		return c.callGenAI(ctx, c.systemPrompt, user)
	case ProviderAnthropic:
		return c.callHTTPProvider(ctx, c.systemPrompt, user, formatAnthropic)
	case ProviderDatabricks, ProviderOpenAI, ProviderGroq, ProviderOllama, ProviderCustomOpenAI:
		return c.callHTTPProvider(ctx, c.systemPrompt, user, formatOpenAIChat)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, c.prov.ID)
	}
}
