package exchange

import (
	"testing"
	"time"
)

func TestCallLimiterExactBudget(t *testing.T) {
	l := NewCallLimiter(5, 200*time.Millisecond)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("call %d rejected inside budget", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("call max+1 allowed")
	}
	if got := l.Used(); got != 5 {
		t.Fatalf("Used=%d, expected 5", got)
	}

	time.Sleep(250 * time.Millisecond)

	if !l.Allow() {
		t.Fatal("call rejected after window elapsed")
	}
}

func TestCallLimiterSlidesRatherThanResets(t *testing.T) {
	l := NewCallLimiter(2, 300*time.Millisecond)

	if !l.Allow() {
		t.Fatal("first call rejected")
	}
	time.Sleep(200 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("second call rejected")
	}
	// First stamp is still inside the window for another ~100ms.
	if l.Allow() {
		t.Fatal("third call allowed while two stamps remain in window")
	}
	time.Sleep(150 * time.Millisecond)
	// First stamp aged out; one slot free.
	if !l.Allow() {
		t.Fatal("call rejected after oldest stamp aged out")
	}
}
