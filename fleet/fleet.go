// Package fleet hires and fires agents and reaps the machines of agents
// that stopped heartbeating.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/cloud"
	"github.com/GoCodeAlone/sortie/internal/apperr"
)

// Workload reports how much open work an agent still owns.
type Workload interface {
	OpenTaskCount(ctx context.Context, orgID, agentID string) (int, error)
}

// Launcher runs agent loops in this process. agent.Supervisor satisfies it.
type Launcher interface {
	Start(ctx context.Context, agentID string) error
	Stop(agentID string) error
}

// HireInput describes a new agent.
type HireInput struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Soul     string `json:"soul"`
	TeamID   string `json:"team_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Config holds the dependencies of a Manager. Launcher and Logger are
// optional.
type Config struct {
	Agents   agent.Store
	Workload Workload
	Machines cloud.Machines
	Launcher Launcher
	Logger   *slog.Logger
}

// Manager owns the agent lifecycle around the machine boundary.
type Manager struct {
	agents   agent.Store
	workload Workload
	machines cloud.Machines
	launcher Launcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	machines := cfg.Machines
	if machines == nil {
		machines = cloud.NewNoop()
	}
	return &Manager{
		agents:   cfg.Agents,
		workload: cfg.Workload,
		machines: machines,
		launcher: cfg.Launcher,
		logger:   logger,
		now:      time.Now,
	}
}

// Hire creates the agent record and spawns its machine. When the spawn
// fails the agent stays hired but offline.
func (m *Manager) Hire(ctx context.Context, orgID string, in HireInput) (*agent.Agent, error) {
	name := strings.TrimSpace(in.Name)
	if orgID == "" {
		return nil, apperr.Invalid("organization is required")
	}
	if name == "" {
		return nil, apperr.Invalid("agent name is required")
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = "worker"
	}

	now := m.now().UTC()
	a := &agent.Agent{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Name:      name,
		Role:      role,
		Soul:      in.Soul,
		TeamID:    in.TeamID,
		Status:    agent.StatusIdle,
		Provider:  in.Provider,
		Model:     in.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.agents.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	log := m.logger.With("agent_id", a.ID, "agent", a.Name)

	machineID, err := m.machines.SpawnMachine(ctx, a.ID, a.Name)
	if err != nil {
		log.Warn("spawn machine failed; agent left offline", "err", err)
		if err := m.agents.SetAgentStatus(ctx, a.ID, agent.StatusOffline); err != nil {
			log.Warn("mark agent offline failed", "err", err)
		}
		a.Status = agent.StatusOffline
		return a, nil
	}
	if err := m.agents.SetAgentMachine(ctx, a.ID, machineID); err != nil {
		return nil, fmt.Errorf("record machine for %s: %w", a.Name, err)
	}
	a.MachineID = machineID

	if m.launcher != nil {
		if err := m.launcher.Start(ctx, a.ID); err != nil {
			log.Warn("start agent runtime failed", "err", err)
		}
	}
	log.Info("agent hired", "machine_id", machineID)
	return a, nil
}

// Fire stops the agent's machine and deletes it. Agents that still own open
// tasks cannot be fired.
func (m *Manager) Fire(ctx context.Context, orgID, agentID string) error {
	a, err := m.Get(ctx, orgID, agentID)
	if err != nil {
		return err
	}
	if m.workload != nil {
		n, err := m.workload.OpenTaskCount(ctx, orgID, agentID)
		if err != nil {
			return fmt.Errorf("count open tasks of %s: %w", a.Name, err)
		}
		if n > 0 {
			return apperr.Conflict("agent %s still owns %d open task(s)", a.Name, n)
		}
	}

	if m.launcher != nil {
		if err := m.launcher.Stop(agentID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			m.logger.Warn("stop agent runtime failed", "agent_id", agentID, "err", err)
		}
	}
	if a.MachineID != "" {
		if err := m.machines.StopMachine(ctx, a.MachineID); err != nil {
			return fmt.Errorf("stop machine of %s: %w", a.Name, err)
		}
	}
	if err := m.agents.SetAgentStatus(ctx, agentID, agent.StatusOffline); err != nil {
		return err
	}
	if err := m.agents.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	m.logger.Info("agent fired", "agent_id", agentID, "agent", a.Name)
	return nil
}

// Get returns an agent owned by orgID.
func (m *Manager) Get(ctx context.Context, orgID, agentID string) (*agent.Agent, error) {
	a, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.OrgID != orgID {
		return nil, apperr.Unauthorized("agent %s belongs to another organization", agentID)
	}
	return a, nil
}

// List returns the organization's agents.
func (m *Manager) List(ctx context.Context, orgID string) ([]*agent.Agent, error) {
	return m.agents.ListAgents(ctx, orgID)
}

// SetSoul replaces the agent's soul. Running loops pick it up on their next
// heartbeat.
func (m *Manager) SetSoul(ctx context.Context, orgID, agentID, soul string) error {
	if _, err := m.Get(ctx, orgID, agentID); err != nil {
		return err
	}
	return m.agents.SetAgentSoul(ctx, agentID, soul)
}
