package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/GoCodeAlone/sortie/internal/apperr"
)

// Supervisor runs many agent runtimes in one process. Runtimes are built
// from a shared config template and never share state with each other.
type Supervisor struct {
	base   RuntimeConfig
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*supervised
}

type supervised struct {
	runtime *Runtime
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSupervisor creates a Supervisor. base.AgentID is ignored.
func NewSupervisor(base RuntimeConfig) *Supervisor {
	logger := base.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{base: base, logger: logger, running: make(map[string]*supervised)}
}

// Start initializes a runtime for agentID and runs it in the background
// until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context, agentID string) error {
	s.mu.Lock()
	if _, ok := s.running[agentID]; ok {
		s.mu.Unlock()
		return apperr.Conflict("agent %s is already running", agentID)
	}
	s.mu.Unlock()

	cfg := s.base
	cfg.AgentID = agentID
	rt, err := NewRuntime(cfg)
	if err != nil {
		return err
	}
	if err := rt.Init(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sv := &supervised{runtime: rt, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, ok := s.running[agentID]; ok {
		s.mu.Unlock()
		cancel()
		return apperr.Conflict("agent %s is already running", agentID)
	}
	s.running[agentID] = sv
	s.mu.Unlock()

	go func() {
		defer close(sv.done)
		if err := rt.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("agent runtime exited", "agent_id", agentID, "err", err)
		}
		s.mu.Lock()
		if s.running[agentID] == sv {
			delete(s.running, agentID)
		}
		s.mu.Unlock()
	}()
	return nil
}

// StartAll starts every listed agent and returns the joined errors of those
// that failed; the rest keep running.
func (s *Supervisor) StartAll(ctx context.Context, agentIDs []string) error {
	var errs []error
	for _, id := range agentIDs {
		if err := s.Start(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("start agent %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Stop cancels the runtime of agentID and waits for it to return.
func (s *Supervisor) Stop(agentID string) error {
	s.mu.Lock()
	sv, ok := s.running[agentID]
	if ok {
		delete(s.running, agentID)
	}
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound("runtime", agentID)
	}
	sv.cancel()
	<-sv.done
	return nil
}

// StopAll stops every runtime.
func (s *Supervisor) StopAll() {
	for _, id := range s.Running() {
		_ = s.Stop(id)
	}
}

// Running returns the IDs of running agents in sorted order.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Runtime returns the runtime of a running agent.
func (s *Supervisor) Runtime(agentID string) (*Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.running[agentID]
	if !ok {
		return nil, false
	}
	return sv.runtime, true
}
