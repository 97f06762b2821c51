// retry.go - exponential-backoff retry loop for broker commands.
// Wraps one logical call in attempts separated by exponential delays.
// Classification is delegated to brokererr: retryable failures re-attempt,
// terminal failures propagate immediately via backoff.Permanent, and a
// retryable failure that exhausts the budget surfaces as MaxRetriesExceeded
// wrapping the last cause. Each attempt is a fresh send with a fresh wireId;
// the caller's closure owns that.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/logging"
)

// Config tunes the retry loop.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
}

// DefaultConfig matches the broker's command retry policy: 1 s base delay
// doubling to a 5 s cap, two retries after the first attempt.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxRetries:   2,
	}
}

// Do runs op until it succeeds, fails terminally, exhausts the retry
// budget, or ctx ends. op receives the 1-based attempt number. Returns the
// result, the number of attempts made, and the final error.
func Do[T any](ctx context.Context, cfg Config, op func(attempt int) (T, error)) (T, int, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	attempts := 0
	var lastErr error
	wrapped := func() (T, error) {
		attempts++
		res, err := op(attempts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !brokererr.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		logging.Debugw("retryable command failure",
			"attempt", attempts, "kind", brokererr.KindOf(err), "error", err)
		return res, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier

	res, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
	)
	if err == nil {
		return res, attempts, nil
	}

	// Context cancellation surfaces as Cancelled, not MaxRetriesExceeded.
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, lastErr) {
		return res, attempts, brokererr.Wrap(brokererr.KindCancelled, "call abandoned", ctxErr)
	}
	if brokererr.IsRetryable(err) {
		return res, attempts, brokererr.MaxRetries(attempts, err)
	}
	return res, attempts, err
}
