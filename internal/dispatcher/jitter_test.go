package dispatcher

import (
	"testing"
	"time"
)

func TestJitterWithinBounds(t *testing.T) {
	min := 10 * time.Second
	max := 15 * time.Second
	for i := 0; i < 200; i++ {
		got := jitter(min, max)
		if got < min || got >= max {
			t.Fatalf("jitter(%v, %v) = %v, out of bounds", min, max, got)
		}
	}
}

func TestJitterDegenerateRange(t *testing.T) {
	min := 5 * time.Second
	if got := jitter(min, min); got != min {
		t.Fatalf("jitter(min, min) = %v, want %v", got, min)
	}
	if got := jitter(min, min-time.Second); got != min {
		t.Fatalf("jitter with max < min = %v, want %v", got, min)
	}
}
