// Package events reacts to task status transitions with follow-up
// proposals and narrative messages.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/proposal"
	"github.com/GoCodeAlone/sortie/task"
)

// ActionAnalyzeBlocker is proposed when an assigned task becomes blocked.
const ActionAnalyzeBlocker = "analyze_blocker"

const (
	blockerCost       = 0.01
	blockerConfidence = 0.9
)

// Tasks loads tasks by ID.
type Tasks interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// Proposer submits proposals.
type Proposer interface {
	Propose(ctx context.Context, req proposal.ProposeRequest) (*proposal.Result, error)
}

// Dispatcher implements task.StatusObserver. Each reaction is one branch
// keyed on the new status.
type Dispatcher struct {
	tasks     Tasks
	proposals Proposer
	chat      proposal.Poster
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(tasks Tasks, proposals Proposer, chat proposal.Poster, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{tasks: tasks, proposals: proposals, chat: chat, logger: logger}
}

// OnTaskStatusChanged dispatches on the new status.
func (d *Dispatcher) OnTaskStatusChanged(ctx context.Context, taskID string, status task.Status) error {
	if status == task.StatusBlocked {
		return d.onBlocked(ctx, taskID)
	}
	return nil
}

func (d *Dispatcher) onBlocked(ctx context.Context, taskID string) error {
	t, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load blocked task: %w", err)
	}
	assignees := t.Assignees()
	if len(assignees) == 0 {
		return nil
	}
	agentID := assignees[0]

	params, _ := json.Marshal(map[string]string{"task_id": t.ID, "title": t.Title})
	cost, confidence := blockerCost, blockerConfidence
	res, err := d.proposals.Propose(ctx, proposal.ProposeRequest{
		OrgID:      t.OrgID,
		TaskID:     t.ID,
		AgentID:    agentID,
		Action:     ActionAnalyzeBlocker,
		Params:     params,
		Rationale:  fmt.Sprintf("Task %q is blocked; diagnose the blocker and propose a way forward.", t.Title),
		Cost:       &cost,
		Confidence: &confidence,
		Quiet:      true,
	})
	if err != nil {
		return fmt.Errorf("propose %s for task %s: %w", ActionAnalyzeBlocker, t.ID, err)
	}

	var text string
	switch res.Status {
	case proposal.StatusAutoApproved:
		text = fmt.Sprintf("Task %q is blocked. Diagnostic started: mission %s is analyzing the blocker.", t.Title, res.MissionID)
	default:
		text = fmt.Sprintf("Task %q is blocked. Approval needed to start a diagnostic (proposal %s).", t.Title, res.ProposalID)
	}
	channel := comms.ChannelFor(t.TeamID)
	if err := d.chat.Post(ctx, &comms.Message{
		OrgID:   t.OrgID,
		Channel: channel,
		Kind:    comms.KindNarrative,
		Content: text,
		TaskID:  t.ID,
	}); err != nil {
		return fmt.Errorf("post blocker notice: %w", err)
	}
	d.logger.Info("blocked task reaction", "task_id", t.ID, "agent_id", agentID, "proposal_id", res.ProposalID, "status", res.Status)
	return nil
}
