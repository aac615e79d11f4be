package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/noctua-health/platform/pkg/common/logger"
	"github.com/noctua-health/platform/pkg/observability/metrics"
)

// RetryPolicy bounds live-mode vendor fetches: transient failures (429, 5xx,
// connection timeouts) are retried with exponential backoff and jitter;
// everything else propagates immediately.
type RetryPolicy struct {
	MaxAttempts int
	MaxWait     time.Duration
}

// TransientHTTPError marks vendor responses that are safe to retry.
type TransientHTTPError struct {
	StatusCode int
	Detail     string
}

func (e *TransientHTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
}

// VendorAPIError marks non-retryable vendor failures (auth, client errors).
type VendorAPIError struct {
	StatusCode int
	Detail     string
}

func (e *VendorAPIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetriable(err error) bool {
	var transient *TransientHTTPError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// fetchJSON performs a GET against url and decodes the JSON body, applying the
// retry policy for transient failures only.
func fetchJSON(ctx context.Context, client *http.Client, url string, policy RetryPolicy) (map[string]interface{}, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := time.Second
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := doFetch(ctx, client, url)
		if err == nil {
			return result, nil
		}
		if !isRetriable(err) {
			return nil, err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		metrics.IncVendorFetchRetry()
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"url":     url,
			"attempt": attempt,
		}).Warn("transient vendor error, retrying")

		// exponential backoff with jitter, capped by MaxWait
		wait := delay + time.Duration(rand.Int63n(int64(time.Second)))
		if policy.MaxWait > 0 && wait > policy.MaxWait {
			wait = policy.MaxWait
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}

	return nil, lastErr
}

func doFetch(ctx context.Context, client *http.Client, url string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if isTransientStatus(resp.StatusCode) {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, &TransientHTTPError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, &VendorAPIError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding vendor response: %w", err)
	}
	return body, nil
}
