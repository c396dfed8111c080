package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobRejectsBadExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("bad", "every tuesday-ish", func(context.Context) {}); err == nil {
		t.Fatal("expected error for invalid expression")
	}
	for _, expr := range []string{"@hourly", "0 6 * * *", "@every 1m"} {
		if err := s.AddJob("ok", expr, func(context.Context) {}); err != nil {
			t.Errorf("AddJob(%q): %v", expr, err)
		}
	}
}

func TestStopCancelsRunningTask(t *testing.T) {
	s := NewScheduler()
	var started, cancelled int32
	if err := s.AddJob("slow", "@every 1s", func(ctx context.Context) {
		atomic.StoreInt32(&started, 1)
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt32(&started) == 0 {
		select {
		case <-deadline:
			t.Fatal("task never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Stop()
	if atomic.LoadInt32(&cancelled) != 1 {
		t.Fatal("Stop returned before the task observed cancellation")
	}
}
