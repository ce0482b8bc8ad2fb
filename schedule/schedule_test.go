package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdd_Validation(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) {}

	if err := s.Add(Duty{Name: "", Interval: time.Second, Run: noop}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := s.Add(Duty{Name: "x", Interval: 0, Run: noop}); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := s.Add(Duty{Name: "x", Interval: time.Second, Run: noop}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(Duty{Name: "x", Interval: time.Second, Run: noop}); err == nil {
		t.Error("expected error for duplicate duty")
	}
}

func TestStep(t *testing.T) {
	s := New(nil)
	var n atomic.Int32
	_ = s.Add(Duty{Name: "count", Interval: time.Hour, Run: func(context.Context) { n.Add(1) }})

	for i := 0; i < 3; i++ {
		if err := s.Step(context.Background(), "count"); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if got := n.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
	if err := s.Step(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown duty")
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	s := New(nil)
	var fast, immediate atomic.Int32
	_ = s.Add(Duty{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) { fast.Add(1) }})
	_ = s.Add(Duty{Name: "once", Interval: time.Hour, Immediate: true, Run: func(context.Context) { immediate.Add(1) }})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err == nil {
		t.Error("Run should return the context error")
	}
	if fast.Load() < 2 {
		t.Errorf("fast ticks = %d, want >= 2", fast.Load())
	}
	if immediate.Load() != 1 {
		t.Errorf("immediate runs = %d, want 1", immediate.Load())
	}
}

func TestRun_PanicDoesNotStopDuty(t *testing.T) {
	s := New(nil)
	var n atomic.Int32
	_ = s.Add(Duty{Name: "flaky", Interval: 5 * time.Millisecond, Run: func(context.Context) {
		if n.Add(1) == 1 {
			panic("boom")
		}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)
	if n.Load() < 2 {
		t.Errorf("runs = %d, want the duty to keep ticking after a panic", n.Load())
	}
}
