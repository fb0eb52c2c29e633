package utils

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, time.Second, 10*time.Second); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	if got := Backoff(0, 0, 0); got != 100*time.Millisecond {
		t.Fatalf("expected default base, got %v", got)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if SleepContext(ctx, time.Minute) {
		t.Fatal("cancelled context must interrupt the sleep")
	}
}

func TestSleepContextCompletes(t *testing.T) {
	if !SleepContext(context.Background(), time.Millisecond) {
		t.Fatal("uninterrupted sleep must report true")
	}
}
