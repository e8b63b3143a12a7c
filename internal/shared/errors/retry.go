package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"missionloop/internal/shared/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt; 0 disables retrying
	BaseDelay  time.Duration // initial backoff interval
	MaxDelay   time.Duration // cap for a single backoff interval
	// RetryIf decides whether a failed attempt may be retried. When nil every
	// error except an explicit PermanentError is retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// RetryWithResult executes fn with exponential backoff until it succeeds, the
// retry budget is spent, the error is not retryable or ctx is done.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)

	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = func(err error) bool {
			var permanentErr *PermanentError
			return !errors.As(err, &permanentErr)
		}
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Retry succeeded after %d attempts", attempt)
			}
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, backoff.Permanent(fmt.Errorf("context cancelled: %w", err))
		}
		if !retryIf(err) {
			logger.Debug("Attempt %d failed with non-retryable error: %v", attempt, err)
			return result, backoff.Permanent(err)
		}
		logger.Debug("Attempt %d/%d failed: %v", attempt, config.MaxRetries+1, err)
		return result, err
	}

	policy := backoff.NewExponentialBackOff()
	if config.BaseDelay > 0 {
		policy.InitialInterval = config.BaseDelay
	}
	if config.MaxDelay > 0 {
		policy.MaxInterval = config.MaxDelay
	}
	policy.MaxElapsedTime = 0

	maxRetries := config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)

	result, err := backoff.RetryWithData(operation, bounded)
	if err != nil && attempt > config.MaxRetries && config.MaxRetries > 0 {
		logger.Warn("Max retries (%d) exhausted", config.MaxRetries)
		return result, fmt.Errorf("max retries exceeded: %w", err)
	}
	return result, err
}
