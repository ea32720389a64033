package workflow

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
)

var errFlaky = errors.New("connection reset")

func quickPolicy(retries int) RetryPolicy {
	return RetryPolicy{Retries: retries, Backoff: time.Millisecond, Retryable: func(error) bool { return true }}
}

func TestRetryWithBackoff_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), logrus.New(), "op", quickPolicy(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_ExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), logrus.New(), "op", quickPolicy(2), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, errFlaky)
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected last error to surface, got %v", err)
	}
}

func TestRetryWithBackoff_NonRetryableReturnsImmediately(t *testing.T) {
	policy := RetryPolicy{Retries: 5, Backoff: time.Millisecond, Retryable: IsTransient}
	calls := 0
	err := RetryWithBackoff(context.Background(), logrus.New(), "op", policy, func(ctx context.Context) error {
		calls++
		return &ValidationError{Reason: "bad payload"}
	})
	if calls != 1 {
		t.Fatalf("expected 1 call for a non-retryable error, got %d", calls)
	}
	if !IsValidationError(err) {
		t.Fatalf("expected the validation error back, got %v", err)
	}
}

func TestRetryWithBackoff_CanceledContextStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	policy := RetryPolicy{Retries: 3, Backoff: time.Minute, Retryable: func(error) bool { return true }}
	err := RetryWithBackoff(ctx, logrus.New(), "op", policy, func(ctx context.Context) error {
		calls++
		return errFlaky
	})
	if calls != 1 {
		t.Fatalf("expected 1 call before the canceled wait, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransient_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &kaspifeed.APIError{StatusCode: 503}, true},
		{"throttled", &kaspifeed.APIError{StatusCode: 429}, true},
		{"not found", &kaspifeed.APIError{StatusCode: 404}, false},
		{"wrapped api error", fmt.Errorf("fetch: %w", &kaspifeed.APIError{StatusCode: 500}), true},
		{"validation", &ValidationError{Reason: "short id"}, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"lock wait timeout", &mysql.MySQLError{Number: 1205}, true},
		{"duplicate key", &mysql.MySQLError{Number: 1062}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"dns timeout", &net.DNSError{IsTimeout: true}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: IsTransient(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}
