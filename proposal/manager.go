package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/policy"
	"github.com/GoCodeAlone/sortie/task"
)

// Gate evaluates an action request.
type Gate interface {
	Evaluate(ctx context.Context, req policy.Request) (policy.Decision, error)
}

// Missions creates the task that carries out an approved proposal.
type Missions interface {
	CreateAssigned(ctx context.Context, orgID string, in task.CreateInput, agentID string) (*task.Task, error)
}

// Poster appends narrative messages to a channel.
type Poster interface {
	Post(ctx context.Context, msg *comms.Message) error
}

// ProposeRequest is an agent's request to perform a gated action.
type ProposeRequest struct {
	OrgID      string          `json:"org_id"`
	TaskID     string          `json:"task_id,omitempty"`
	AgentID    string          `json:"agent_id"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
	Rationale  string          `json:"rationale"`
	Cost       *float64        `json:"cost,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`

	// Depth is the chat depth of the message that triggered the request.
	// Narrative messages are posted one level deeper.
	Depth int `json:"depth,omitempty"`
	// Quiet suppresses the narrative message; the caller posts its own.
	Quiet bool `json:"-"`
}

// Result describes the outcome of Propose or Approve.
type Result struct {
	ProposalID string          `json:"proposal_id"`
	Status     Status          `json:"status"`
	MissionID  string          `json:"mission_id,omitempty"`
	TeamID     string          `json:"team_id,omitempty"`
	Decision   policy.Decision `json:"decision"`
}

// Manager runs the proposal workflow.
type Manager struct {
	store    Store
	gate     Gate
	missions Missions
	members  task.Directory
	chat     Poster
	activity activity.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Config holds Manager dependencies. Chat, Activity and Logger are optional.
type Config struct {
	Store    Store
	Gate     Gate
	Missions Missions
	Members  task.Directory
	Chat     Poster
	Activity activity.Recorder
	Logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    cfg.Store,
		gate:     cfg.Gate,
		missions: cfg.Missions,
		members:  cfg.Members,
		chat:     cfg.Chat,
		activity: cfg.Activity,
		logger:   logger,
		now:      time.Now,
	}
}

// Propose records the request, evaluates it against policy and, when
// auto-approved, creates the mission task bound to the requesting agent.
func (m *Manager) Propose(ctx context.Context, req ProposeRequest) (*Result, error) {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return nil, apperr.Invalid("proposal action is required")
	}
	if req.AgentID == "" {
		return nil, apperr.Invalid("proposal agent is required")
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return nil, apperr.Invalid("proposal params must be valid JSON")
	}
	member, err := m.members.Member(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if member.OrgID != req.OrgID {
		return nil, apperr.Unauthorized("agent %s does not belong to org %s", req.AgentID, req.OrgID)
	}

	decision, err := m.gate.Evaluate(ctx, policy.Request{
		OrgID:      req.OrgID,
		TeamID:     member.TeamID,
		Action:     action,
		Cost:       req.Cost,
		Confidence: req.Confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", action, err)
	}

	now := m.now().UTC()
	p := &Proposal{
		ID:         uuid.New().String(),
		OrgID:      req.OrgID,
		TaskID:     req.TaskID,
		AgentID:    req.AgentID,
		TeamID:     member.TeamID,
		Action:     action,
		Params:     req.Params,
		Rationale:  req.Rationale,
		Cost:       req.Cost,
		Confidence: req.Confidence,
		Status:     StatusPending,
		Reason:     decision.Reason,
		CreatedAt:  now,
	}
	if decision.Outcome == policy.OutcomeAutoApproved {
		p.Status = StatusAutoApproved
		p.ResolvedAt = &now
	}
	if err := m.store.CreateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	m.record(ctx, p, fmt.Sprintf("%s proposed %s (%s)", label(member), action, p.Status), activity.ProposalCreated{
		ProposalID: p.ID, Action: action, Status: string(p.Status), Reason: decision.Reason,
	})

	res := &Result{ProposalID: p.ID, Status: p.Status, TeamID: p.TeamID, Decision: decision}
	channel := comms.ChannelFor(p.TeamID)

	if p.Status == StatusPending {
		if !req.Quiet {
			m.narrate(ctx, p, channel, req.Depth+1, fmt.Sprintf(
				"Approval needed: %s wants to run %s (proposal %s). %s",
				label(member), action, p.ID, strings.TrimSpace(p.Rationale)))
		}
		return res, nil
	}

	mission, err := m.materialize(ctx, p)
	if err != nil {
		if m.reopen(ctx, p) {
			res.Status = StatusPending
		}
		return res, err
	}
	res.MissionID = mission.ID
	m.record(ctx, p, fmt.Sprintf("%s auto-executed %s", label(member), action), activity.ActionAutoExecuted{
		ProposalID: p.ID, Action: action, MissionID: mission.ID,
	})
	if !req.Quiet {
		m.narrate(ctx, p, channel, req.Depth+1, fmt.Sprintf(
			"Autonomous action: %s is running %s as mission %s (%s).",
			label(member), action, mission.ID, decision.Reason))
	}
	return res, nil
}

// Approve resolves a pending proposal owned by orgID and creates its
// mission. approver is recorded in the activity log.
// The proposal stays pending when its agent is gone or the mission cannot
// be created.
func (m *Manager) Approve(ctx context.Context, orgID, id, approver string) (*Result, error) {
	p, err := m.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.members.Member(ctx, p.AgentID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Conflict("proposal %s: agent %s no longer exists", id, p.AgentID)
		}
		return nil, err
	}
	p, err = m.resolve(ctx, orgID, id, StatusApproved, "")
	if err != nil {
		return nil, err
	}
	mission, err := m.materialize(ctx, p)
	if err != nil {
		m.reopen(ctx, p)
		return nil, err
	}
	m.record(ctx, p, fmt.Sprintf("proposal %s approved", p.ID), activity.ProposalApproved{
		ProposalID: p.ID, Action: p.Action, MissionID: mission.ID, ApprovedBy: approver,
	})
	m.narrate(ctx, p, comms.ChannelFor(p.TeamID), 0, fmt.Sprintf(
		"Approved: %s (proposal %s) is now mission %s for agent %s.", p.Action, p.ID, mission.ID, p.AgentID))
	return &Result{ProposalID: p.ID, Status: StatusApproved, MissionID: mission.ID, TeamID: p.TeamID}, nil
}

// Deny resolves a pending proposal owned by orgID as denied.
func (m *Manager) Deny(ctx context.Context, orgID, id, reason, deniedBy string) error {
	p, err := m.resolve(ctx, orgID, id, StatusDenied, reason)
	if err != nil {
		return err
	}
	m.record(ctx, p, fmt.Sprintf("proposal %s denied", p.ID), activity.ProposalDenied{
		ProposalID: p.ID, Action: p.Action, Reason: reason, DeniedBy: deniedBy,
	})
	return nil
}

// Get returns a proposal owned by orgID.
func (m *Manager) Get(ctx context.Context, orgID, id string) (*Proposal, error) {
	p, err := m.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OrgID != orgID {
		return nil, apperr.Unauthorized("proposal %s does not belong to org %s", id, orgID)
	}
	return p, nil
}

// List returns the org's proposals, optionally filtered by status.
func (m *Manager) List(ctx context.Context, orgID string, status *Status) ([]*Proposal, error) {
	return m.store.ListProposals(ctx, orgID, status)
}

func (m *Manager) resolve(ctx context.Context, orgID, id string, to Status, reason string) (*Proposal, error) {
	p, err := m.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, apperr.Conflict("proposal %s is already %s", id, p.Status)
	}
	now := m.now().UTC()
	ok, err := m.store.ResolveProposal(ctx, id, to, reason, now)
	if err != nil {
		return nil, fmt.Errorf("resolve proposal %s: %w", id, err)
	}
	if !ok {
		return nil, apperr.Conflict("proposal %s was resolved concurrently", id)
	}
	p.Status = to
	p.ResolvedAt = &now
	if reason != "" {
		p.Reason = reason
	}
	return p, nil
}

// reopen puts p back to pending after its mission failed to materialize.
func (m *Manager) reopen(ctx context.Context, p *Proposal) bool {
	ok, err := m.store.ReopenProposal(ctx, p.ID, p.Status)
	if err != nil || !ok {
		m.logger.Error("proposal left without mission", "proposal_id", p.ID, "status", p.Status, "err", err)
		return false
	}
	m.logger.Warn("proposal reopened after mission failure", "proposal_id", p.ID)
	return true
}

func (m *Manager) materialize(ctx context.Context, p *Proposal) (*task.Task, error) {
	t, err := m.missions.CreateAssigned(ctx, p.OrgID, task.CreateInput{
		Title:       missionTitle(p),
		Description: missionDescription(p),
		TeamID:      p.TeamID,
		Priority:    task.PriorityNormal,
		ParentID:    p.TaskID,
		ProposalID:  p.ID,
	}, p.AgentID)
	if err != nil {
		return nil, fmt.Errorf("create mission for proposal %s: %w", p.ID, err)
	}
	if err := m.store.SetProposalMission(ctx, p.ID, t.ID); err != nil {
		return nil, fmt.Errorf("link mission to proposal %s: %w", p.ID, err)
	}
	p.MissionID = t.ID
	return t, nil
}

func missionTitle(p *Proposal) string {
	title := p.Action
	if r := firstLine(p.Rationale); r != "" {
		title += ": " + r
	}
	if len(title) > 120 {
		title = clip(title, 117) + "..."
	}
	return title
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func missionDescription(p *Proposal) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Rationale))
	if len(p.Params) > 0 && string(p.Params) != "null" {
		b.WriteString("\n\nParameters: ")
		b.Write(p.Params)
	}
	return strings.TrimSpace(b.String())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (m *Manager) narrate(ctx context.Context, p *Proposal, channel string, depth int, text string) {
	if m.chat == nil {
		return
	}
	err := m.chat.Post(ctx, &comms.Message{
		OrgID:   p.OrgID,
		Channel: channel,
		Kind:    comms.KindNarrative,
		Content: text,
		TaskID:  p.MissionID,
		Depth:   depth,
	})
	if err != nil {
		m.logger.Warn("post proposal narrative", "proposal_id", p.ID, "channel", channel, "err", err)
	}
}

func (m *Manager) record(ctx context.Context, p *Proposal, summary string, payload activity.Payload) {
	activity.Emit(ctx, m.activity, m.logger, &activity.Entry{
		OrgID:      p.OrgID,
		AgentID:    p.AgentID,
		TaskID:     p.MissionID,
		ProposalID: p.ID,
		Summary:    summary,
		Payload:    payload,
	})
}

func label(m task.Member) string {
	if m.Name != "" {
		return m.Name
	}
	return "agent " + m.ID
}
