package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/sortie/internal/apperr"
)

// Outcome is the gatekeeper's verdict.
type Outcome string

const (
	OutcomeAutoApproved Outcome = "auto_approved"
	OutcomePending      Outcome = "pending"
)

// Tier identifies which lookup matched.
type Tier int

const (
	TierNone         Tier = iota // no policy matched
	TierTeamAction               // (org, team, action)
	TierTeamWildcard             // (org, team, "*")
	TierOrgAction                // (org, "", action)
)

func (t Tier) String() string {
	switch t {
	case TierTeamAction:
		return "team/action"
	case TierTeamWildcard:
		return "team/*"
	case TierOrgAction:
		return "org/action"
	}
	return "none"
}

// Request is one action to evaluate. Cost and Confidence are optional.
type Request struct {
	OrgID      string
	TeamID     string
	Action     string
	Cost       *float64
	Confidence *float64
}

// Decision is the gatekeeper's answer with its provenance.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Policy  *Policy `json:"policy,omitempty"`
	Tier    Tier    `json:"tier"`
	Reason  string  `json:"reason"`
}

// Gatekeeper evaluates actions against stored policies.
type Gatekeeper struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGatekeeper creates a Gatekeeper backed by store.
func NewGatekeeper(store Store, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{store: store, logger: logger, now: time.Now}
}

// Evaluate resolves req. The first match wins:
//
//  1. (org, team, action)   when a team is given
//  2. (org, team, "*")      when a team is given
//  3. (org, "", action)
//
// No match, a manual policy or a propose_only policy yields pending. An auto
// policy yields auto_approved only if every configured guard passes; a guard
// whose input is missing fails.
func (g *Gatekeeper) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.OrgID == "" || req.Action == "" {
		return Decision{}, apperr.Invalid("org and action are required")
	}
	p, tier, err := g.lookup(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if p == nil {
		return Decision{Outcome: OutcomePending, Tier: TierNone, Reason: "no policy for " + req.Action}, nil
	}

	d := Decision{Outcome: OutcomePending, Policy: p, Tier: tier}
	switch p.Mode {
	case ModeAuto:
		if reason, ok := guardsPass(p, req); !ok {
			d.Reason = reason
			g.logger.Debug("policy guard downgraded action", "org_id", req.OrgID, "action", req.Action, "reason", reason)
			return d, nil
		}
		d.Outcome = OutcomeAutoApproved
		d.Reason = fmt.Sprintf("auto policy matched at %s", tier)
	case ModeProposeOnly:
		d.Reason = fmt.Sprintf("propose_only policy matched at %s", tier)
	default:
		d.Reason = fmt.Sprintf("manual policy matched at %s", tier)
	}
	return d, nil
}

func (g *Gatekeeper) lookup(ctx context.Context, req Request) (*Policy, Tier, error) {
	type key struct {
		team, action string
		tier         Tier
	}
	var keys []key
	if req.TeamID != "" {
		keys = append(keys,
			key{req.TeamID, req.Action, TierTeamAction},
			key{req.TeamID, Wildcard, TierTeamWildcard},
		)
	}
	keys = append(keys, key{"", req.Action, TierOrgAction})

	for _, k := range keys {
		p, err := g.store.FindPolicy(ctx, req.OrgID, k.team, k.action)
		if err != nil {
			return nil, TierNone, fmt.Errorf("find policy: %w", err)
		}
		if p != nil {
			return p, k.tier, nil
		}
	}
	return nil, TierNone, nil
}

func guardsPass(p *Policy, req Request) (string, bool) {
	if p.MaxCost != nil {
		if req.Cost == nil {
			return "cost unknown, max_cost guard fails", false
		}
		if *req.Cost > *p.MaxCost {
			return fmt.Sprintf("cost %.4f exceeds max_cost %.4f", *req.Cost, *p.MaxCost), false
		}
	}
	if p.MinConfidence != nil {
		if req.Confidence == nil {
			return "confidence unknown, min_confidence guard fails", false
		}
		if *req.Confidence < *p.MinConfidence {
			return fmt.Sprintf("confidence %.2f below min_confidence %.2f", *req.Confidence, *p.MinConfidence), false
		}
	}
	return "", true
}

// Upsert validates and stores a policy, replacing any policy with the same
// (org, team, action) key.
func (g *Gatekeeper) Upsert(ctx context.Context, p *Policy) error {
	p.Action = strings.TrimSpace(p.Action)
	if p.OrgID == "" || p.Action == "" {
		return apperr.Invalid("policy org and action are required")
	}
	if p.Action == Wildcard && p.TeamID == "" {
		return apperr.Invalid("wildcard policies must be team-scoped")
	}
	if !p.Mode.Valid() {
		return apperr.Invalid("unknown policy mode %q", p.Mode)
	}
	if p.MaxCost != nil && *p.MaxCost < 0 {
		return apperr.Invalid("max_cost must not be negative")
	}
	if p.MinConfidence != nil && (*p.MinConfidence < 0 || *p.MinConfidence > 1) {
		return apperr.Invalid("min_confidence must be within [0, 1]")
	}
	now := g.now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := g.store.UpsertPolicy(ctx, p); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// Delete removes a policy owned by orgID.
func (g *Gatekeeper) Delete(ctx context.Context, orgID, id string) error {
	return g.store.DeletePolicy(ctx, orgID, id)
}

// List returns every policy of orgID.
func (g *Gatekeeper) List(ctx context.Context, orgID string) ([]*Policy, error) {
	return g.store.ListPolicies(ctx, orgID)
}
