// Package policy resolves whether an agent-initiated action may run
// without human sign-off.
package policy

import (
	"context"
	"time"
)

// Mode is the autonomy level a policy grants.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
	// ModeProposeOnly currently resolves exactly like ModeManual.
	ModeProposeOnly Mode = "propose_only"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeManual || m == ModeProposeOnly
}

// Wildcard matches every action within a team.
const Wildcard = "*"

// Policy maps (org, team, action) to an autonomy mode with optional guards.
// An empty TeamID makes the policy org-wide.
type Policy struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	TeamID        string    `json:"team_id,omitempty"`
	Action        string    `json:"action"`
	Mode          Mode      `json:"mode"`
	MaxCost       *float64  `json:"max_cost,omitempty"`
	MinConfidence *float64  `json:"min_confidence,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists policies.
type Store interface {
	// FindPolicy returns the policy with exactly this key, or nil when none
	// exists.
	FindPolicy(ctx context.Context, orgID, teamID, action string) (*Policy, error)

	// UpsertPolicy inserts or replaces the policy keyed by (org, team, action).
	UpsertPolicy(ctx context.Context, p *Policy) error

	DeletePolicy(ctx context.Context, orgID, id string) error
	ListPolicies(ctx context.Context, orgID string) ([]*Policy, error)
}
