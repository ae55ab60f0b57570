package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"shield_pipeline/internal/config"
	"shield_pipeline/internal/metrics"
)

// Kind classifies a failed call. RateLimited, Timeout, and Transient are
// retried with backoff; the rest surface immediately.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindTransient   Kind = "transient_network"
	KindAuth        Kind = "auth"
	KindMalformed   Kind = "malformed_request"
	KindProvider    Kind = "provider"
)

// Retryable reports whether a failure of this kind should be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindTransient:
		return true
	}
	return false
}

// CallError wraps a provider failure with its taxonomy kind.
type CallError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Params are the per-call completion parameters.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Result is a successful completion plus the number of attempts it took.
type Result struct {
	Content  string
	Attempts int
}

// Client sends chat completions to OpenAI-compatible endpoints with
// per-provider admission control and bounded retries.
type Client struct {
	http       *http.Client
	providers  map[string]config.Provider
	maxRetries int
	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)

	mu       sync.Mutex
	lastCall map[string]time.Time
}

// New builds a client from the configured provider table.
func New(cfg config.Config) *Client {
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout()},
		providers:  cfg.Providers,
		maxRetries: cfg.API.MaxRetries,
		sleep:      time.Sleep,
		lastCall:   make(map[string]time.Time),
	}
}

// ResolveProvider maps a model identifier to its provider name. Models may
// use the explicit provider/model prefix form; bare names fall back to
// substring heuristics the way the original rate-limit table did.
func (c *Client) ResolveProvider(model string) (string, error) {
	if name, _, ok := strings.Cut(model, "/"); ok {
		if _, exists := c.providers[name]; exists {
			return name, nil
		}
	}
	lower := strings.ToLower(model)
	for _, candidate := range []struct{ needle, provider string }{
		{"claude", "anthropic"},
		{"gpt", "openai"},
		{"gemini", "gemini"},
	} {
		if strings.Contains(lower, candidate.needle) {
			if _, exists := c.providers[candidate.provider]; exists {
				return candidate.provider, nil
			}
		}
	}
	if _, exists := c.providers["default"]; exists {
		return "default", nil
	}
	return "", fmt.Errorf("no provider configured for model %q", model)
}

// Complete sends system+user messages to the model and returns the reply
// text. Recoverable failures are retried with exponential backoff up to
// the configured retry limit.
func (c *Client) Complete(ctx context.Context, model, systemPrompt, userPrompt string, p Params) (Result, error) {
	providerName, err := c.ResolveProvider(model)
	if err != nil {
		return Result{}, &CallError{Kind: KindMalformed, Err: err}
	}
	provider := c.providers[providerName]

	var lastErr *CallError
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			metrics.IncRetries()
			// 1s, 2s, 4s, ...
			c.sleep(time.Duration(1<<uint(attempt-2)) * time.Second)
		}
		if err := c.admit(ctx, providerName, provider); err != nil {
			return Result{}, &CallError{Kind: KindTimeout, Err: err}
		}
		content, cerr := c.doCall(ctx, provider, model, systemPrompt, userPrompt, p)
		if cerr == nil {
			return Result{Content: content, Attempts: attempt}, nil
		}
		lastErr = cerr
		if !cerr.Kind.Retryable() {
			return Result{Attempts: attempt}, cerr
		}
	}
	return Result{Attempts: c.maxRetries},
		&CallError{Kind: lastErr.Kind, Status: lastErr.Status,
			Err: fmt.Errorf("retries exhausted after %d attempts: %w", c.maxRetries, lastErr.Err)}
}

// admit spaces requests to one provider at least MinIntervalMS apart so we
// never burst into provider-side throttling.
func (c *Client) admit(ctx context.Context, name string, p config.Provider) error {
	interval := time.Duration(p.MinIntervalMS) * time.Millisecond
	if interval <= 0 {
		return nil
	}
	c.mu.Lock()
	now := time.Now()
	next := c.lastCall[name].Add(interval)
	if next.Before(now) {
		next = now
	}
	c.lastCall[name] = next
	c.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) doCall(ctx context.Context, provider config.Provider, model, systemPrompt, userPrompt string, p Params) (string, *CallError) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	payload, _ := json.Marshal(chatRequest{
		Model:       stripProviderPrefix(model, c.providers),
		Messages:    messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})

	endpoint := strings.TrimRight(provider.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &CallError{Kind: KindMalformed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(os.Getenv(provider.APIKeyEnv)); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CallError{Kind: KindTransient, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &CallError{Kind: KindProvider, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &CallError{Kind: KindProvider, Err: fmt.Errorf("provider error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &CallError{Kind: KindProvider, Err: errors.New("empty choices")}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func classifyStatus(status int, body []byte) *CallError {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	err := fmt.Errorf("%s", detail)
	switch {
	case status == http.StatusTooManyRequests:
		return &CallError{Kind: KindRateLimited, Status: status, Err: err}
	case status == http.StatusRequestTimeout:
		return &CallError{Kind: KindTimeout, Status: status, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &CallError{Kind: KindAuth, Status: status, Err: err}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return &CallError{Kind: KindMalformed, Status: status, Err: err}
	case status >= 500:
		return &CallError{Kind: KindTransient, Status: status, Err: err}
	default:
		return &CallError{Kind: KindProvider, Status: status, Err: err}
	}
}

func classifyTransport(err error) *CallError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &CallError{Kind: KindTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &CallError{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &CallError{Kind: KindTransient, Err: err}
	default:
		return &CallError{Kind: KindTransient, Err: err}
	}
}

// stripProviderPrefix removes an explicit provider/ prefix before sending,
// since the provider's own API expects the bare model name.
func stripProviderPrefix(model string, providers map[string]config.Provider) string {
	if name, rest, ok := strings.Cut(model, "/"); ok {
		if _, exists := providers[name]; exists {
			return rest
		}
	}
	return model
}
