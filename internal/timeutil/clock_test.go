package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(500 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMillis(t *testing.T) {
	base := time.Unix(0, 0)
	if got := Millis(base, base.Add(1500*time.Microsecond)); got != 1.5 {
		t.Errorf("Millis() = %v, want 1.5", got)
	}
}

func TestMockClock_AdvanceFiresTicker(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(10 * time.Millisecond)

	clock.Advance(5 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its interval")
	default:
	}

	clock.Advance(5 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if !got.Equal(start.Add(10 * time.Millisecond)) {
			t.Errorf("tick time = %v, want %v", got, start.Add(10*time.Millisecond))
		}
	default:
		t.Fatal("ticker did not fire at its interval")
	}
}

func TestMockTicker_StopAndReset(t *testing.T) {
	clock := NewMockClock(time.Unix(100, 0))
	ticker := clock.NewTicker(time.Second).(*MockTicker)

	ticker.Stop()
	if !ticker.Stopped() {
		t.Fatal("expected ticker to report stopped")
	}
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	ticker.Reset(time.Second)
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("reset ticker did not fire")
	}
}

func TestMockClock_Since(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewMockClock(start)
	clock.Advance(3 * time.Second)
	if d := clock.Since(start); d != 3*time.Second {
		t.Errorf("Since() = %v, want 3s", d)
	}
}
