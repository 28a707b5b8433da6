package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/slack-go/slack"
)

const maxSendRetries = 3

// retryable is implemented by slack-go's rate-limit and 5xx errors.
type retryable interface {
	Retryable() bool
}

// withRetry runs call, retrying transient Slack failures with backoff.
// A rate-limit response waits for the Retry-After the server asked for;
// other transient errors back off quadratically with jitter. Permanent
// errors such as channel_not_found return at once.
func withRetry(ctx context.Context, logger *slog.Logger, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if attempt > 0 {
			backoff := retryDelay(lastErr, attempt)
			logger.Warn("retrying slack call", "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := call()
		if err == nil {
			return nil
		}
		lastErr = err

		var r retryable
		if !errors.As(err, &r) || !r.Retryable() {
			return err
		}
	}
	return fmt.Errorf("giving up after %d retries: %w", maxSendRetries, lastErr)
}

func retryDelay(err error, attempt int) time.Duration {
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		return limited.RetryAfter
	}
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}
