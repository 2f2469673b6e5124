package queue

import (
	"testing"
	"time"

	"alertflow/internal/config"
)

func TestRetryDelayGrowsPerAttempt(t *testing.T) {
	t.Parallel()

	cfg := config.QueueConfig{RetryInitialMS: 100, RetryMaxMS: 2000}
	cases := []struct {
		attempts uint64
		want     time.Duration
	}{
		{attempts: 0, want: 100 * time.Millisecond},
		{attempts: 1, want: 100 * time.Millisecond},
		{attempts: 2, want: 200 * time.Millisecond},
		{attempts: 3, want: 400 * time.Millisecond},
		{attempts: 5, want: 1600 * time.Millisecond},
		{attempts: 6, want: 2 * time.Second},
		{attempts: 40, want: 2 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(cfg, tc.attempts); got != tc.want {
			t.Fatalf("retryDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestRetryDelayWithoutCeiling(t *testing.T) {
	t.Parallel()

	cfg := config.QueueConfig{RetryInitialMS: 50}
	if got := retryDelay(cfg, 4); got != 400*time.Millisecond {
		t.Fatalf("retryDelay(4) = %s", got)
	}
}
