package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kumo-org/kumo/internal/backoff"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

// HTTPClient performs driver requests with retry logic. It uses plain
// net/http because the response body must stay open for SSE streaming and
// be reliably closed on every retry path.
type HTTPClient struct {
	client *http.Client
	policy backoff.RetryPolicy
}

// NewHTTPClient creates a client with its own transport so connection
// state is not shared across unrelated drivers.
func NewHTTPClient(cfg Config) *HTTPClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	policy := backoff.NewExponentialBackoffPolicy(cfg.InitialInterval)
	policy.BackoffFactor = cfg.Multiplier
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxRetries = cfg.MaxRetries

	return &HTTPClient{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		policy: policy,
	}
}

// Post performs a JSON POST and returns the response body for streaming.
// Network errors, 429, and 5xx are retried under the client's backoff
// policy; other statuses fail immediately with an APIError.
func (c *HTTPClient) Post(ctx context.Context, driverName, url string, body []byte, headers map[string]string) (io.ReadCloser, error) {
	var out io.ReadCloser
	attempt := 0

	err := backoff.Retry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.Warn(ctx, "Driver request failed; retrying",
				tag.Driver(driverName),
				tag.Attempt(attempt),
			)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			out = resp.Body
			return nil
		}

		// Read the error body and close before a potential retry.
		errBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return NewAPIError(driverName, resp.StatusCode, string(errBody))
	}, c.policy, driverRetriable)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// driverRetriable treats network errors as transient; API errors retry
// only when the status marks them recoverable.
func driverRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Recoverable()
	}
	return true
}
