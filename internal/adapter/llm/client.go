package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/domain"
)

// systemPrompt pins the upstream model to the structured-output contract.
const systemPrompt = "You are a content moderation assistant. Respond only in the requested JSON format."

// maxResponseBytes caps how much of an upstream reply gets read.
const maxResponseBytes = 1 << 20

var errCircuitOpen = errors.New("upstream circuit open")

// Config configures the completion client.
type Config struct {
	Endpoint     string
	APIKey       string
	Model        string
	Timeout      time.Duration // per-attempt cap (default 30s)
	MaxRetries   int           // retries after the first attempt
	RetryBackoff time.Duration // initial retry backoff (default 1s)
	Concurrency  int64         // in-flight request bound (default 8)
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client calls an OpenAI-compatible chat completion endpoint. It fails
// fast while the circuit breaker is open, paces and halves its effective
// concurrency under upstream pressure, bounds in-flight requests with a
// weighted semaphore, and retries transient failures with jittered
// exponential backoff.
type Client struct {
	endpoint     string
	apiKey       string
	model        string
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	httpClient   *http.Client
	logger       *slog.Logger

	sem      *semaphore.Weighted
	breaker  *Breaker
	pressure *OverloadTracker
	metrics  *metrics.PipelineMetrics
}

var _ domain.CompletionClient = (*Client)(nil)

// NewClient creates a completion client.
func NewClient(cfg Config, breaker *Breaker, pressure *OverloadTracker, m *metrics.PipelineMetrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger.With("component", "llm_client"),
		sem:          semaphore.NewWeighted(cfg.Concurrency),
		breaker:      breaker,
		pressure:     pressure,
		metrics:      m,
	}
}

// Complete sends one prompt upstream and returns the raw completion.
// Failures come back as *domain.LLMError with the kind set.
func (c *Client) Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (domain.Completion, error) {
	// 1. Fail fast while the breaker is open.
	if !c.breaker.Allow() {
		c.metrics.BreakerRejections.Inc()
		return domain.Completion{}, domain.NewLLMError(domain.LLMCircuitOpen, 0, errCircuitOpen)
	}

	// 2. Under pressure, requests weigh double (halving effective
	// concurrency) and admission is paced. A deadline that fires during
	// the pacing delay is a local outcome and must not feed the breaker.
	weight := int64(1)
	if c.pressure.Pressured() {
		weight = 2
		c.metrics.PressureActive.Set(1)
		if delay := c.pressure.Delay(); delay > 0 {
			c.metrics.PressureDelays.Inc()
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return domain.Completion{}, domain.NewLLMError(domain.LLMDeadlineExceeded, 0, ctx.Err())
			case <-timer.C:
			}
		}
	} else {
		c.metrics.PressureActive.Set(0)
	}

	// 3. Bound in-flight upstream calls.
	if err := c.sem.Acquire(ctx, weight); err != nil {
		return domain.Completion{}, domain.NewLLMError(domain.LLMDeadlineExceeded, 0, err)
	}
	defer c.sem.Release(weight)

	// 4. Retry transient failures with jittered exponential backoff.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBackoff
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var completion domain.Completion
	attempts := 0
	op := func() error {
		attempts++
		if attempts > 1 {
			c.metrics.LLMRetries.Inc()
		}
		return c.attempt(ctx, prompt, opts, &completion)
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(c.maxRetries)))
	if err != nil {
		llmErr := classifyFinal(err)
		c.breaker.RecordFailure()
		c.metrics.LLMRequests.WithLabelValues(resultLabel(llmErr.Kind)).Inc()
		c.logger.Warn("completion failed",
			"kind", llmErr.Kind, "status", llmErr.Status, "attempts", attempts, "error", llmErr.Err)
		return domain.Completion{}, llmErr
	}

	c.breaker.RecordSuccess()
	c.metrics.LLMRequests.WithLabelValues("ok").Inc()
	c.metrics.LLMLatency.Observe(completion.Duration.Seconds())
	return completion, nil
}

// attempt performs a single upstream round trip. Transient errors are
// returned bare so the backoff loop retries them; terminal ones are
// wrapped in backoff.Permanent.
func (c *Client) attempt(ctx context.Context, prompt string, opts domain.CompletionOptions, out *domain.Completion) error {
	attemptTimeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return backoff.Permanent(domain.NewLLMError(domain.LLMDeadlineExceeded, 0, context.DeadlineExceeded))
		}
		if remaining < attemptTimeout {
			attemptTimeout = remaining
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return backoff.Permanent(domain.NewLLMError(domain.LLMBadRequest, 0, err))
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(domain.NewLLMError(domain.LLMBadRequest, 0, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(domain.NewLLMError(domain.LLMDeadlineExceeded, 0, ctx.Err()))
		}
		return domain.NewLLMError(domain.LLMTransient, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.pressure.ObserveStatus(resp.StatusCode)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(domain.NewLLMError(domain.LLMDeadlineExceeded, 0, ctx.Err()))
		}
		return domain.NewLLMError(domain.LLMTransient, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		duration := time.Since(start)
		c.pressure.ObserveLatency(duration)
		text, err := extractText(raw)
		if err != nil {
			return backoff.Permanent(domain.NewLLMError(domain.LLMUpstreamError, resp.StatusCode, err))
		}
		c.pressure.ObserveBody(text)
		*out = domain.Completion{Text: text, Duration: duration}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return domain.NewLLMError(domain.LLMTransient, resp.StatusCode, fmt.Errorf("upstream status %d", resp.StatusCode))
	default:
		return backoff.Permanent(domain.NewLLMError(domain.LLMBadRequest, resp.StatusCode,
			fmt.Errorf("upstream status %d: %s", resp.StatusCode, summarize(raw))))
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Content  string `json:"content"`
	Response string `json:"response"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
}

// extractText pulls the completion text out of the handful of response
// shapes OpenAI-compatible servers actually return.
func extractText(raw []byte) (string, error) {
	var body chatResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("decode completion body: %w", err)
	}
	if len(body.Choices) > 0 {
		if content := body.Choices[0].Message.Content; content != "" {
			return content, nil
		}
		if body.Choices[0].Text != "" {
			return body.Choices[0].Text, nil
		}
	}
	if body.Content != "" {
		return body.Content, nil
	}
	if body.Response != "" {
		return body.Response, nil
	}
	if body.Error.Message != "" {
		return "", fmt.Errorf("upstream error: %s", body.Error.Message)
	}
	return "", errors.New("completion body has no text field")
}

// classifyFinal maps whatever the retry loop hands back onto an LLMError.
// Context expiry during a backoff sleep surfaces as a bare context error.
func classifyFinal(err error) *domain.LLMError {
	var llmErr *domain.LLMError
	if errors.As(err, &llmErr) {
		return llmErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewLLMError(domain.LLMDeadlineExceeded, 0, err)
	}
	return domain.NewLLMError(domain.LLMTransient, 0, err)
}

func resultLabel(kind domain.LLMErrorKind) string {
	switch kind {
	case domain.LLMTransient:
		return "transient"
	case domain.LLMBadRequest:
		return "bad_request"
	case domain.LLMDeadlineExceeded:
		return "deadline"
	case domain.LLMUpstreamError:
		return "upstream_error"
	default:
		return "transient"
	}
}

func summarize(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > 200 {
		s = domain.TruncateUTF8(s, 200)
	}
	return s
}
