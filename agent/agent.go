// Package agent defines agent identities and the per-agent runtime that
// polls for work, chats through channels and applies the loop shield.
package agent

import (
	"context"
	"time"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusWorking, StatusBlocked, StatusOffline:
		return true
	}
	return false
}

// RoleCommander marks the coordinating agent of a fleet.
const RoleCommander = "commander"

// Agent is an agent identity record. Name is unique per organization.
type Agent struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"org_id"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Soul          string     `json:"soul"`
	TeamID        string     `json:"team_id,omitempty"`
	Status        Status     `json:"status"`
	Provider      string     `json:"provider,omitempty"`
	Model         string     `json:"model,omitempty"`
	MachineID     string     `json:"machine_id,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsCommander reports whether the agent holds the coordinating role.
func (a *Agent) IsCommander() bool { return a.Role == RoleCommander }

// Store persists agents.
type Store interface {
	// CreateAgent returns an apperr Conflict error when the name is taken
	// within the org.
	CreateAgent(ctx context.Context, a *Agent) error

	// GetAgent returns an apperr NotFound error when id is unknown.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	ListAgents(ctx context.Context, orgID string) ([]*Agent, error)
	SetAgentStatus(ctx context.Context, id string, status Status) error
	SetAgentSoul(ctx context.Context, id, soul string) error
	SetAgentMachine(ctx context.Context, id, machineID string) error
	TouchAgent(ctx context.Context, id string, at time.Time) error
	DeleteAgent(ctx context.Context, id string) error

	// StaleAgents returns agents with a bound machine whose last heartbeat
	// is older than before.
	StaleAgents(ctx context.Context, before time.Time) ([]*Agent, error)
}
