package activity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log stamps entries and fans them out to every registered sink. A failing
// sink is logged and does not stop delivery to the others.
type Log struct {
	mu     sync.RWMutex
	sinks  []Recorder
	logger *slog.Logger
	now    func() time.Time
}

// NewLog creates a Log writing to the given sinks.
func NewLog(logger *slog.Logger, sinks ...Recorder) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{sinks: sinks, logger: logger, now: time.Now}
}

// Add registers another sink.
func (l *Log) Add(r Recorder) {
	l.mu.Lock()
	l.sinks = append(l.sinks, r)
	l.mu.Unlock()
}

// Record assigns ID and CreatedAt when unset and delivers e to every sink.
// The returned error joins all sink failures.
func (l *Log) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	l.mu.RLock()
	sinks := append([]Recorder(nil), l.sinks...)
	l.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Record(ctx, e); err != nil {
			l.logger.Error("activity sink failed", "kind", kindOf(e), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func kindOf(e *Entry) Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Emit records e and only logs failures. Services use it where an audit
// write must never fail the surrounding mutation.
func Emit(ctx context.Context, r Recorder, logger *slog.Logger, e *Entry) {
	if r == nil {
		return
	}
	if err := r.Record(ctx, e); err != nil && logger != nil {
		logger.Warn("record activity", "kind", kindOf(e), "err", err)
	}
}

// Memory keeps entries in process. Used by tests and as the SSE backlog.
type Memory struct {
	mu      sync.Mutex
	entries []*Entry
}

func (m *Memory) Record(_ context.Context, e *Entry) error {
	m.mu.Lock()
	cp := *e
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *Memory) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Entry(nil), m.entries...)
}

// OfKind returns the recorded entries with the given kind.
func (m *Memory) OfKind(k Kind) []*Entry {
	var out []*Entry
	for _, e := range m.Entries() {
		if kindOf(e) == k {
			out = append(out, e)
		}
	}
	return out
}
