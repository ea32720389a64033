package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy retries an operation with doubling backoff while Retryable
// says the failure is worth another shot. A nil Retryable retries
// everything.
type RetryPolicy struct {
	Retries   int           // additional attempts after the first
	Backoff   time.Duration // delay before the first retry, doubled each retry
	Retryable func(error) bool
}

// DefaultRetryPolicy bounds remote calls: 3 retries, 2s initial backoff,
// transient failures only.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, Backoff: 2 * time.Second, Retryable: IsTransient}
}

// storageRetryPolicy re-runs a whole transaction on lock contention.
// The backoff stays short: MySQL already made the loser wait.
func storageRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, Backoff: 2 * time.Second, Retryable: isRetryableStorage}
}

// RetryWithBackoff runs op, retrying per policy. Sleeps honor ctx
// cancellation; a canceled context surfaces as the context's error.
// On exhaustion the last error comes back unchanged.
func RetryWithBackoff(ctx context.Context, logger *logrus.Logger, label string, policy RetryPolicy, op func(ctx context.Context) error) error {
	delay := policy.Backoff
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if attempt >= policy.Retries {
			return err
		}

		logger.WithFields(logrus.Fields{
			"label":   label,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn(err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
