package ai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// BaseClient provides the HTTP plumbing shared by all providers: timeouts,
// retry with exponential backoff, and taxonomy-typed error mapping.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger

	MaxRetries int
	RetryDelay time.Duration

	DefaultModel       string
	DefaultTemperature float32
	DefaultMaxTokens   int
}

// NewBaseClient creates a base client with defaults.
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BaseClient{
		HTTPClient:         &http.Client{Timeout: timeout},
		Logger:             logger,
		MaxRetries:         3,
		RetryDelay:         time.Second,
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   4096,
	}
}

// ApplyDefaults fills unset option fields from the client defaults.
func (b *BaseClient) ApplyDefaults(options *core.AIOptions) *core.AIOptions {
	if options == nil {
		options = &core.AIOptions{}
	}
	out := *options
	if out.Model == "" {
		out.Model = b.DefaultModel
	}
	if out.Temperature == 0 {
		out.Temperature = b.DefaultTemperature
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = b.DefaultMaxTokens
	}
	return &out
}

// ExecuteWithRetry performs an HTTP request with exponential backoff.
// Client errors other than 429 are returned immediately; 429 and 5xx are
// retried up to MaxRetries.
func (b *BaseClient) ExecuteWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		resp, err := b.HTTPClient.Do(req.Clone(ctx))
		if err == nil && resp.StatusCode < 400 {
			return resp, nil
		}
		if err == nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		if err != nil {
			lastErr = err
			if attempt == b.MaxRetries {
				break
			}
		} else {
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			if attempt == b.MaxRetries {
				// Out of retries: hand the response back so the caller can
				// map the status onto the error taxonomy.
				return resp, nil
			}
			_ = resp.Body.Close()
		}
		delay := b.RetryDelay * time.Duration(1<<uint(attempt))
		b.Logger.Warn("AI request failed, retrying", map[string]interface{}{
			"operation":      "ai_request_retry",
			"attempt":        attempt + 1,
			"max_retries":    b.MaxRetries,
			"retry_delay_ms": delay.Milliseconds(),
			"error":          lastErr.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// HandleError maps a non-OK HTTP status to the execution error taxonomy so
// the repair loop can classify quota and availability failures.
func (b *BaseClient) HandleError(statusCode int, body []byte, provider string) error {
	msg := fmt.Sprintf("%s API error: status %d", provider, statusCode)
	if len(body) > 0 {
		snippet := string(body)
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		msg = fmt.Sprintf("%s: %s", msg, snippet)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return core.NewTaskError(core.ErrUpstreamQuota, msg, "")
	case statusCode >= 500:
		return core.NewTaskError(core.ErrUpstreamUnavailable, msg, "")
	}
	return core.NewTaskError(core.ErrUpstreamError, msg, "")
}
