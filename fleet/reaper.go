package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/cloud"
)

// DefaultIdleTimeout is how long an agent may go without a heartbeat before
// its machine is reclaimed.
const DefaultIdleTimeout = 15 * time.Minute

// Reaper stops the machines of agents that went quiet.
type Reaper struct {
	agents      agent.Store
	machines    cloud.Machines
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewReaper creates a Reaper. A non-positive idleTimeout uses
// DefaultIdleTimeout.
func NewReaper(agents agent.Store, machines cloud.Machines, idleTimeout time.Duration, logger *slog.Logger) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{agents: agents, machines: machines, idleTimeout: idleTimeout, logger: logger}
}

// Sweep reclaims every stale machine and returns how many were stopped.
// A failure on one agent does not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := r.agents.StaleAgents(ctx, now.Add(-r.idleTimeout))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, a := range stale {
		log := r.logger.With("agent_id", a.ID, "agent", a.Name, "machine_id", a.MachineID)
		if err := r.machines.StopMachine(ctx, a.MachineID); err != nil {
			log.Warn("stop idle machine failed", "err", err)
			continue
		}
		if err := r.agents.SetAgentMachine(ctx, a.ID, ""); err != nil {
			log.Warn("clear machine failed", "err", err)
		}
		if err := r.agents.SetAgentStatus(ctx, a.ID, agent.StatusOffline); err != nil {
			log.Warn("mark agent offline failed", "err", err)
		}
		log.Info("idle machine reaped")
		reaped++
	}
	return reaped, nil
}

// Run is a schedule.Func that sweeps at the current time.
func (r *Reaper) Run(ctx context.Context) {
	if _, err := r.Sweep(ctx, time.Now()); err != nil {
		r.logger.Warn("reaper sweep failed", "err", err)
	}
}
