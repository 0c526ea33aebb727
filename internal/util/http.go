package util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
)

const maxResponseBody = 1 << 20

// HTTPError is a server-side failure worth retrying.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// DoWithRetry sends the request built by newReq until a response other than
// 5xx or 429 arrives. Transport failures are retried too. Any other status
// is handed back with its body for the caller to interpret.
func DoWithRetry(ctx context.Context, client *http.Client, p Policy, newReq func(ctx context.Context) (*http.Request, error), notify func(err error, wait time.Duration)) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	err := RetryTransient(ctx, p, func() error {
		req, err := newReq(ctx)
		if err != nil {
			return fault.FatalErr(fmt.Errorf("failed to build request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fault.TransientErr(err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return fault.TransientErr(fmt.Errorf("failed to read response: %w", err))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fault.TransientErr(&HTTPError{StatusCode: resp.StatusCode})
		}
		status, body = resp.StatusCode, b
		return nil
	}, notify)
	return status, body, err
}
