package comms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/sortie/internal/apperr"
)

// Router validates and appends messages to a Log and fans them out to
// in-process subscribers such as the SSE stream.
type Router struct {
	log Log
	now func() time.Time

	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   int
}

type handlerEntry struct {
	id      int
	channel string // "" = every channel
	handler Handler
}

// NewRouter creates a Router over log.
func NewRouter(log Log) *Router {
	return &Router{log: log, now: time.Now}
}

// Post appends msg. ID, Kind and CreatedAt are filled in when unset.
func (r *Router) Post(ctx context.Context, msg *Message) error {
	if strings.TrimSpace(msg.Channel) == "" {
		return apperr.Invalid("message channel is required")
	}
	if msg.OrgID == "" {
		return apperr.Invalid("message org is required")
	}
	if msg.Depth < 0 {
		return apperr.Invalid("message depth must not be negative")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Kind == "" {
		msg.Kind = KindChat
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now().UTC()
	}
	if err := r.log.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("post to %s: %w", msg.Channel, err)
	}

	r.mu.RLock()
	var targets []Handler
	for _, e := range r.handlers {
		if e.channel == "" || e.channel == msg.Channel {
			targets = append(targets, e.handler)
		}
	}
	r.mu.RUnlock()
	for _, h := range targets {
		h(ctx, msg)
	}
	return nil
}

// After returns messages of channel newer than afterSeq.
func (r *Router) After(ctx context.Context, orgID, channel string, afterSeq int64, limit int) ([]*Message, error) {
	return r.log.MessagesAfter(ctx, orgID, channel, afterSeq, limit)
}

// Recent returns the last limit messages of channel.
func (r *Router) Recent(ctx context.Context, orgID, channel string, limit int) ([]*Message, error) {
	return r.log.RecentMessages(ctx, orgID, channel, limit)
}

// Subscribe registers handler for messages posted to channel ("" for all).
// The returned function unsubscribes the handler.
func (r *Router) Subscribe(channel string, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers = append(r.handlers, handlerEntry{id: id, channel: channel, handler: handler})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		filtered := r.handlers[:0]
		for _, e := range r.handlers {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		r.handlers = filtered
	}
}

// MemoryLog is a thread-safe in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     int64
	history []*Message
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) AppendMessage(_ context.Context, m *Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	m.Seq = l.seq
	cp := *m
	l.history = append(l.history, &cp)
	return nil
}

func (l *MemoryLog) MessagesAfter(_ context.Context, orgID, channel string, afterSeq int64, limit int) ([]*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Message
	for _, m := range l.history {
		if m.OrgID != orgID || m.Channel != channel || m.Seq <= afterSeq {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) RecentMessages(_ context.Context, orgID, channel string, limit int) ([]*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Message
	for i := len(l.history) - 1; i >= 0; i-- {
		m := l.history[i]
		if m.OrgID != orgID || m.Channel != channel {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	// Reverse to chronological order
	for a, b := 0, len(out)-1; a < b; a, b = a+1, b-1 {
		out[a], out[b] = out[b], out[a]
	}
	return out, nil
}
