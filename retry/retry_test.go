package retry

import "testing"

func TestBackoffGrowsAndCaps(t *testing.T) {
	floor := BaseDelay
	for attempt := 0; attempt < 20; attempt++ {
		d := Backoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: backoff must be positive, got %v", attempt, d)
		}
		if d > MaxDelay+MaxDelay/5 {
			t.Fatalf("attempt %d: backoff %v exceeds MaxDelay plus jitter bound", attempt, d)
		}
		if d < floor {
			t.Fatalf("attempt %d: backoff %v is below the doubled base delay %v", attempt, d, floor)
		}
		floor *= 2
		if floor > MaxDelay {
			floor = MaxDelay
		}
	}
}

func TestBackoffFirstAttemptNearBase(t *testing.T) {
	d := Backoff(0)
	if d < BaseDelay || d > BaseDelay+BaseDelay/5 {
		t.Fatalf("expected first backoff near BaseDelay, got %v", d)
	}
}
