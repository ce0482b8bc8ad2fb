// Package task defines the mission model, its status machine and the
// registry that owns the claim protocol.
package task

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusInbox      Status = "inbox"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInbox, StatusAssigned, StatusInProgress, StatusReview, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Open reports whether the task still needs work.
func (s Status) Open() bool { return s != StatusDone }

// Priority determines task scheduling order.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// ParsePriority maps a priority name (case-insensitive) to its value.
// Unknown names report false.
func ParsePriority(s string) (Priority, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, true
		}
	}
	return PriorityNormal, false
}

// Task is a unit of work ("mission") for an agent.
//
// Assignment is recorded in two shapes: AssignedTo holds the single
// claimant and AssigneeIDs the assignee set. Every mutation in this package
// writes both; readers should go through Assignees.
type Task struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	TeamID      string     `json:"team_id,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	AssigneeIDs []string   `json:"assignee_ids,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`   // mission this task belongs to
	ProposalID  string     `json:"proposal_id,omitempty"` // proposal that produced it
	Output      string     `json:"output,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Assignees returns the assignee set, falling back to AssignedTo when the
// set is empty.
func (t *Task) Assignees() []string {
	if len(t.AssigneeIDs) > 0 {
		return t.AssigneeIDs
	}
	if t.AssignedTo != "" {
		return []string{t.AssignedTo}
	}
	return nil
}

// HasAssignee reports whether agentID is among the task's assignees.
func (t *Task) HasAssignee(agentID string) bool {
	return slices.Contains(t.Assignees(), agentID)
}

func (t *Task) bind(agentID string) {
	t.AssignedTo = agentID
	t.AssigneeIDs = []string{agentID}
}

// Filter controls which tasks are returned by List.
type Filter struct {
	OrgID      string   `json:"org_id"`
	Statuses   []Status `json:"statuses,omitempty"`
	AssigneeID string   `json:"assignee_id,omitempty"`
	TeamID     string   `json:"team_id,omitempty"`
	ParentID   string   `json:"parent_id,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Store persists tasks. Implementations must make ClaimTask and
// UpdateTask single isolated compare-and-swap mutations.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error

	// GetTask returns an apperr NotFound error when id is unknown.
	GetTask(ctx context.Context, id string) (*Task, error)

	ListTasks(ctx context.Context, f Filter) ([]*Task, error)

	// ClaimTask moves the task from inbox to in_progress bound to agentID.
	// It reports false, without mutating anything, when the task is not in
	// inbox at the moment of the write.
	ClaimTask(ctx context.Context, orgID, taskID, agentID string, at time.Time) (bool, error)

	// UpdateTask saves t if its stored status still equals expect and
	// returns an apperr Conflict error otherwise.
	UpdateTask(ctx context.Context, t *Task, expect Status) error
}

// Member is the slice of an agent's identity the registry needs for
// ownership checks.
type Member struct {
	ID     string
	Name   string
	OrgID  string
	TeamID string
}

// Directory resolves agents for ownership checks.
type Directory interface {
	Member(ctx context.Context, agentID string) (Member, error)
}

// StatusObserver is notified after a task's status has changed.
type StatusObserver interface {
	OnTaskStatusChanged(ctx context.Context, taskID string, status Status) error
}

// ObserverFunc adapts a function to StatusObserver.
type ObserverFunc func(ctx context.Context, taskID string, status Status) error

func (f ObserverFunc) OnTaskStatusChanged(ctx context.Context, taskID string, status Status) error {
	return f(ctx, taskID, status)
}
