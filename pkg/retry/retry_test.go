package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/exploopio/chainhunt/pkg/errors"
)

func TestBackoffConfig_Interval(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.BaseInterval = 1 * time.Minute
	cfg.MaxInterval = time.Hour
	cfg.Jitter = 0 // Disable jitter for predictable tests

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 1 * time.Minute},
		{1, 1 * time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 16 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt-%d", tt.attempts), func(t *testing.T) {
			interval := cfg.Interval(tt.attempts)
			if interval != tt.expected {
				t.Errorf("Attempt %d: expected %v, got %v", tt.attempts, tt.expected, interval)
			}
		})
	}
}

func TestBackoffConfig_Strategies(t *testing.T) {
	linear := &BackoffConfig{Strategy: BackoffLinear, BaseInterval: time.Second}
	if got := linear.Interval(3); got != 3*time.Second {
		t.Errorf("linear attempt 3 = %v", got)
	}

	constant := &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Second}
	if got := constant.Interval(7); got != time.Second {
		t.Errorf("constant attempt 7 = %v", got)
	}
}

func TestBackoffConfig_MaxInterval(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.Jitter = 0

	// 10ms * 2^9 = 5.12s, capped at 1s
	if interval := cfg.Interval(10); interval != time.Second {
		t.Errorf("Expected max interval 1s, got %v", interval)
	}
}

func TestBackoffConfig_JitterBounds(t *testing.T) {
	cfg := &BackoffConfig{BaseInterval: 100 * time.Millisecond, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		got := cfg.Interval(1)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jittered interval %v outside [80ms, 120ms]", got)
		}
	}
}

func TestBackoffConfig_Schedule(t *testing.T) {
	cfg := DefaultBackoffConfig()

	schedule := cfg.Schedule(3)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i := range want {
		if schedule[i] != want[i] {
			t.Errorf("schedule[%d] = %v, want %v", i, schedule[i], want[i])
		}
	}
	if cfg.Jitter != 0.2 {
		t.Error("Schedule must not change the config")
	}
	if total := cfg.TotalBackoffTime(3); total != 70*time.Millisecond {
		t.Errorf("TotalBackoffTime = %v", total)
	}
	if cfg.Schedule(0) != nil {
		t.Error("Schedule(0) should be nil")
	}
}

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		Backoff:     &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Millisecond},
	}
}

func TestDo_RetriesConflicts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.E(errors.KindConflict, "test", "stale")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context, int) error {
		calls++
		return errors.E(errors.KindInvalidTransition, "test", "nope")
	})
	if !errors.IsInvalidTransition(err) {
		t.Errorf("error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_GivesUp(t *testing.T) {
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

	err := Do(context.Background(), cfg, func(context.Context, int) error {
		return errors.E(errors.KindConflict, "test", "stale")
	})
	if !errors.IsConflict(err) {
		t.Errorf("error = %v, want the last conflict", err)
	}
	if len(retries) != 2 {
		t.Errorf("OnRetry called %d times, want 2", len(retries))
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 10, Backoff: &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Hour}}

	err := Do(ctx, cfg, func(context.Context, int) error {
		cancel()
		return errors.E(errors.KindConflict, "test", "stale")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestOnConflict(t *testing.T) {
	calls := 0
	err := OnConflict(context.Background(), 2, func(context.Context, int) error {
		calls++
		return errors.E(errors.KindConflict, "test", "stale")
	})
	if !errors.IsConflict(err) || calls != 2 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}
