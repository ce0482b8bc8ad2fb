// Package proposal records agent-initiated action requests, runs them past
// the gatekeeper and turns approved ones into missions.
package proposal

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the resolution state of a proposal. It only ever moves out of
// pending, never back.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusDenied       Status = "denied"
	StatusAutoApproved Status = "auto_approved"
)

// Resolved reports whether s is a terminal status.
func (s Status) Resolved() bool { return s != StatusPending }

// Proposal is a request by an agent to perform a gated action.
type Proposal struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	TaskID     string          `json:"task_id,omitempty"` // task the request arose from
	AgentID    string          `json:"agent_id"`
	TeamID     string          `json:"team_id,omitempty"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
	Rationale  string          `json:"rationale"`
	Cost       *float64        `json:"cost,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Status     Status          `json:"status"`
	Reason     string          `json:"reason,omitempty"`     // gatekeeper or denial reason
	MissionID  string          `json:"mission_id,omitempty"` // task created on approval
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Store persists proposals.
type Store interface {
	CreateProposal(ctx context.Context, p *Proposal) error

	// GetProposal returns an apperr NotFound error when id is unknown.
	GetProposal(ctx context.Context, id string) (*Proposal, error)

	// ListProposals returns the org's proposals, newest first. A nil status
	// returns every status.
	ListProposals(ctx context.Context, orgID string, status *Status) ([]*Proposal, error)

	// ResolveProposal moves a pending proposal to status. It reports false
	// when the proposal was no longer pending.
	ResolveProposal(ctx context.Context, id string, status Status, reason string, at time.Time) (bool, error)

	// ReopenProposal moves a proposal that is still in from and has no
	// mission back to pending. It reports false when nothing matched.
	ReopenProposal(ctx context.Context, id string, from Status) (bool, error)

	// SetProposalMission records the task created for an approved proposal.
	SetProposalMission(ctx context.Context, id, missionID string) error
}
