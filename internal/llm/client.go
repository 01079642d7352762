// Package llm talks to OpenAI-compatible chat completion providers. Two
// client profiles exist: chat (per-role analysts) and reasoner (the referee),
// differing in model and timeout.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/metrics"
)

// Client sends chat completion requests to one provider endpoint
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	recorder    UsageRecorder
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger
}

// ClientConfig contains configuration for one client profile
type ClientConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	RatePerMin  int
	Recorder    UsageRecorder
}

// NewClient creates a new LLM client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.RatePerMin == 0 {
		cfg.RatePerMin = 60
	}

	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin),
		recorder:    cfg.Recorder,
		logger:      config.NewLogger("llm").With().Str("model", cfg.Model).Logger(),
	}
}

// NewChatClient builds the analyst-profile client from config
func NewChatClient(cfg config.LLMConfig, model string, recorder UsageRecorder) *Client {
	if model == "" {
		model = cfg.ChatModel
	}
	return NewClient(ClientConfig{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		Model:       model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.RoleTimeout(),
		RatePerMin:  cfg.RequestsPerMin,
		Recorder:    recorder,
	})
}

// NewReasonerClient builds the referee-profile client from config
func NewReasonerClient(cfg config.LLMConfig, recorder UsageRecorder) *Client {
	return NewClient(ClientConfig{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		Model:       cfg.ReasonerModel,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.RefereeCallTimeout(),
		RatePerMin:  cfg.RequestsPerMin,
		Recorder:    recorder,
	})
}

// Model returns the configured model label
func (c *Client) Model() string {
	return c.model
}

// WithBreaker routes all completions through cb. While cb is open, requests
// fail fast with gobreaker.ErrOpenState and never reach the provider.
func (c *Client) WithBreaker(cb *gobreaker.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

// Complete sends a chat completion request
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	if c.breaker == nil {
		return c.complete(ctx, messages)
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, messages)
	})
	if err != nil {
		return nil, err
	}
	return res.(*ChatResponse), nil
}

func (c *Client) complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Message: "rate limiter: " + err.Error(), Retryable: false}
	}

	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, &Error{Message: "marshal request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, &Error{Message: "create request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug().
		Int("message_count", len(messages)).
		Msg("Sending LLM request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.report(0, 0, latency, false)
		metrics.LLMCallsTotal.WithLabelValues(c.model, "network_error").Inc()
		// Timeouts and transport failures are retryable; context cancellation is not.
		retryable := !errors.Is(err, context.Canceled)
		return nil, &Error{Message: err.Error(), Retryable: retryable}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.report(0, 0, latency, false)
		return nil, &Error{Message: "read response: " + err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		c.report(0, 0, latency, false)
		metrics.LLMCallsTotal.WithLabelValues(c.model, "http_error").Inc()

		var errResp ErrorResponse
		msg := string(body)
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		c.report(0, 0, latency, false)
		return nil, &Error{Message: "parse response: " + err.Error(), Retryable: true}
	}
	if len(chatResp.Choices) == 0 {
		c.report(chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens, latency, false)
		return nil, &Error{Message: "no choices in response", Retryable: true}
	}

	c.report(chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens, latency, true)
	metrics.LLMCallsTotal.WithLabelValues(c.model, "success").Inc()
	metrics.LLMTokensTotal.WithLabelValues(c.model, "in").Add(float64(chatResp.Usage.PromptTokens))
	metrics.LLMTokensTotal.WithLabelValues(c.model, "out").Add(float64(chatResp.Usage.CompletionTokens))

	c.logger.Debug().
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("latency", latency).
		Msg("LLM request completed")

	return &chatResp, nil
}

// CompleteText sends a request and returns the first choice's content
func (c *Client) CompleteText(ctx context.Context, messages []ChatMessage) (string, error) {
	resp, err := c.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteWithRetry retries retryable failures with exponential backoff
func (c *Client) CompleteWithRetry(ctx context.Context, messages []ChatMessage, maxRetries int) (*ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * time.Second
			c.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying LLM request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.Complete(ctx, messages)
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

func (c *Client) report(in, out int, latency time.Duration, ok bool) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(CallReport{
		Model:            c.model,
		PromptTokens:     in,
		CompletionTokens: out,
		LatencyMS:        latency.Milliseconds(),
		OK:               ok,
	})
}
