package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_Success(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3

	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}

	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_MaxAttempts(t *testing.T) {
	config := Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}

	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		return errors.New("always fails")
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentError(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Millisecond,
	}

	calls := 0
	permErr := errors.New("permanent failure")
	result := Do(context.Background(), config, func() error {
		calls++
		return Permanent(permErr)
	})

	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
	if !errors.Is(result.Err, permErr) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	config := Config{MaxAttempts: 3, InitialDelay: 1 * time.Millisecond}
	calls := 0
	result := Do(ctx, config, func() error {
		calls++
		return errors.New("fail")
	})

	if calls != 0 {
		t.Errorf("expected 0 calls with canceled context, got %d", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDo_ZeroConfigStillRunsOnce(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{}, func() error {
		calls++
		return errors.New("fail")
	})

	if calls != 1 {
		t.Errorf("expected exactly 1 call with zero config, got %d", calls)
	}
	if result.Err == nil {
		t.Error("expected error to surface")
	}
}

func TestTransient_NonRetryableAbortsImmediately(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Millisecond,
	}

	calls := 0
	result := Transient(context.Background(), config, func() error {
		calls++
		return errors.New("permission denied")
	})

	if calls != 1 {
		t.Errorf("policy errors should not be retried, got %d calls", calls)
	}
	if result.Err == nil {
		t.Error("expected error to surface")
	}
}

func TestTransient_RetryableRetries(t *testing.T) {
	config := Config{
		MaxAttempts:  4,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}

	calls := 0
	result := Transient(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected eventual success, got %v", result.Err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestSleepFor_DoublesAndClamps(t *testing.T) {
	config := Config{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
	}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 400 * time.Millisecond}, // clamped
		{10, 400 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := sleepFor(tt.attempt, config)
			if got < tt.base/2 || got > tt.base*3/2 {
				t.Errorf("sleepFor(%d) = %v outside [%v, %v]",
					tt.attempt, got, tt.base/2, tt.base*3/2)
			}
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	inner := errors.New("inner")
	wrapped := Permanent(inner)
	if !IsPermanent(wrapped) {
		t.Error("IsPermanent should detect wrapped error")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("Unwrap should expose inner error")
	}
	if IsPermanent(inner) {
		t.Error("plain error should not be permanent")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialDelay != 100*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 100ms", config.InitialDelay)
	}
	if config.MaxDelay != 10*time.Second {
		t.Errorf("MaxDelay = %v, want 10s", config.MaxDelay)
	}
}
