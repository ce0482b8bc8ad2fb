// Package schedule runs named duties on fixed intervals, one ticker per
// duty. Duties never overlap with themselves; a slow duty delays its own
// next tick and no other.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Func is the body of a duty.
type Func func(ctx context.Context)

// Duty is a named function run every Interval.
type Duty struct {
	Name      string
	Interval  time.Duration
	Immediate bool // run once at start before the first tick
	Run       Func
}

// Scheduler owns a set of duties.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	duties  []Duty
	running bool
}

// New creates an empty Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a duty. It must be called before Run.
func (s *Scheduler) Add(d Duty) error {
	if d.Name == "" || d.Run == nil {
		return fmt.Errorf("schedule: duty needs a name and a func")
	}
	if d.Interval <= 0 {
		return fmt.Errorf("schedule: duty %q: interval must be positive", d.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("schedule: cannot add %q while running", d.Name)
	}
	for _, existing := range s.duties {
		if existing.Name == d.Name {
			return fmt.Errorf("schedule: duplicate duty %q", d.Name)
		}
	}
	s.duties = append(s.duties, d)
	return nil
}

// Run starts every duty and blocks until ctx is cancelled and all duty
// goroutines have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("schedule: already running")
	}
	s.running = true
	duties := append([]Duty(nil), s.duties...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, d := range duties {
		wg.Add(1)
		go func(d Duty) {
			defer wg.Done()
			s.loop(ctx, d)
		}(d)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, d Duty) {
	if d.Immediate {
		s.invoke(ctx, d)
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, d)
		}
	}
}

// invoke runs one tick. A panic is logged and the duty keeps its schedule.
func (s *Scheduler) invoke(ctx context.Context, d Duty) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("duty panicked", "duty", d.Name, "panic", r)
		}
	}()
	d.Run(ctx)
}

// Step runs the named duty once, synchronously. Tests use it to advance a
// runtime tick by tick.
func (s *Scheduler) Step(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *Duty
	for i := range s.duties {
		if s.duties[i].Name == name {
			found = &s.duties[i]
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("schedule: unknown duty %q", name)
	}
	s.invoke(ctx, *found)
	return nil
}

// Names returns the registered duty names in registration order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.duties))
	for i, d := range s.duties {
		names[i] = d.Name
	}
	return names
}
