package oracle

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"hashmend/pkg/types"

	"go.uber.org/zap"
)

// ConfigureRetry sets retry parameters. maxAttempts counts the first try.
// Zero values keep the current setting.
func (c *Client) ConfigureRetry(maxAttempts int, baseDelay, maxDelay time.Duration) {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.maxDelay = maxDelay
	}
}

// getWithRetry performs the request with exponential backoff retry.
func (c *Client) getWithRetry(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return types.Cancelled(ctx.Err())
		}

		err := c.get(ctx, endpoint, query, out)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		c.logger.Debug("Oracle request failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep on the last attempt
		if attempt < c.maxAttempts-1 {
			c.metrics.Retry()
			select {
			case <-time.After(c.calculateBackoff(attempt)):
			case <-ctx.Done():
				return types.Cancelled(ctx.Err())
			}
		}
	}

	return lastErr
}

// calculateBackoff calculates the exponential backoff delay with jitter
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(c.baseDelay)
	}

	return time.Duration(delay)
}

// isRetryableError reports whether a failed request may succeed if repeated.
// Transport failures, throttling and server errors are retried; rejected
// requests, malformed responses and cancellation are not.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, types.ErrCancelled) {
		return false
	}
	if errors.Is(err, types.ErrNetworkFailure) {
		return true
	}

	var oracleErr *types.OracleError
	if errors.As(err, &oracleErr) {
		return oracleErr.StatusCode == http.StatusTooManyRequests ||
			oracleErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
