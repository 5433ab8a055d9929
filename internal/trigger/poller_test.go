package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoller_FiresOnInterval(t *testing.T) {
	var fired atomic.Int32
	p := NewPoller(5*time.Millisecond, func(string) bool {
		fired.Add(1)
		return true
	})
	p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d triggers before deadline", fired.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	after := fired.Load()
	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != after {
		t.Errorf("poller fired after Stop: %d -> %d", after, got)
	}
}

func TestPoller_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(time.Millisecond, func(string) bool { return true })
	p.Start(ctx)
	cancel()

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on context cancellation")
	}
}
