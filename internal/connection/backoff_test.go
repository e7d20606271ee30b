package connection

import (
	"testing"
	"time"
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 0)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}
}

func TestBackoff_JitterIsBoundedAndNonDecreasing(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 400*time.Millisecond, 0.5)

	var prev time.Duration
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := b.Next()
		if got < prev {
			t.Fatalf("Next() #%d = %v, shorter than previous %v", i, got, prev)
		}
		if got < base || got > base+base/2 {
			// A clamp to prev can exceed this window only when prev did.
			if got != prev {
				t.Errorf("Next() #%d = %v, outside [%v, %v]", i, got, base, base+base/2)
			}
		}
		prev = got
		if base < 400*time.Millisecond {
			base *= 2
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 0)
	b.Next()
	b.Next()
	b.Reset()

	if b.Attempts() != 0 {
		t.Errorf("Attempts() = %d after Reset, want 0", b.Attempts())
	}
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 100ms", got)
	}
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0, -1)
	want := DefaultManagerConfig().ReconnectBaseWait
	if got := b.Next(); got != want {
		t.Errorf("Next() = %v, want %v", got, want)
	}
	if got := b.Next(); got != want {
		t.Errorf("max below initial should pin to initial, got %v", got)
	}
}
