package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/internal/apperr"
)

// CreateInput describes a new task.
type CreateInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	TeamID      string   `json:"team_id,omitempty"`
	Priority    Priority `json:"priority"`
	ParentID    string   `json:"parent_id,omitempty"`
	ProposalID  string   `json:"proposal_id,omitempty"`
}

// Registry owns the task state machine and the claim protocol. Every
// operation takes the caller's organization and rejects cross-org access
// with an apperr Unauthorized error.
type Registry struct {
	store    Store
	members  Directory
	activity activity.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	observers []StatusObserver
}

// NewRegistry creates a Registry. rec and logger may be nil.
func NewRegistry(store Store, members Directory, rec activity.Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, members: members, activity: rec, logger: logger, now: time.Now}
}

// Observe registers a status observer. Observers run after a successful
// status change, in registration order.
func (r *Registry) Observe(o StatusObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Create inserts a task in inbox status and returns its ID.
func (r *Registry) Create(ctx context.Context, orgID string, in CreateInput) (string, error) {
	t, err := r.newTask(orgID, in)
	if err != nil {
		return "", err
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	r.record(ctx, t, "", "task created: "+t.Title, activity.TaskCreated{
		TaskID: t.ID, Title: t.Title, TeamID: t.TeamID, Priority: t.Priority.String(), ParentID: t.ParentID,
	})
	return t.ID, nil
}

// CreateAssigned inserts a task already in assigned status bound to agentID.
// The agent must belong to orgID.
func (r *Registry) CreateAssigned(ctx context.Context, orgID string, in CreateInput, agentID string) (*Task, error) {
	m, err := r.member(ctx, orgID, agentID)
	if err != nil {
		return nil, err
	}
	if in.TeamID == "" {
		in.TeamID = m.TeamID
	}
	t, err := r.newTask(orgID, in)
	if err != nil {
		return nil, err
	}
	t.Status = StatusAssigned
	t.bind(agentID)
	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	r.record(ctx, t, agentID, "task created: "+t.Title, activity.TaskCreated{
		TaskID: t.ID, Title: t.Title, TeamID: t.TeamID, Priority: t.Priority.String(), ParentID: t.ParentID,
	})
	r.record(ctx, t, agentID, "task assigned to "+agentID, activity.TaskAssigned{
		TaskID: t.ID, AgentID: agentID, Via: "create",
	})
	return t, nil
}

func (r *Registry) newTask(orgID string, in CreateInput) (*Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.Invalid("task title is required")
	}
	if orgID == "" {
		return nil, apperr.Invalid("organization is required")
	}
	if _, ok := priorityNames[in.Priority]; !ok {
		return nil, apperr.Invalid("unknown priority %d", in.Priority)
	}
	now := r.now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		Title:       title,
		Description: in.Description,
		Status:      StatusInbox,
		Priority:    in.Priority,
		TeamID:      in.TeamID,
		ParentID:    in.ParentID,
		ProposalID:  in.ProposalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get returns a task owned by orgID.
func (r *Registry) Get(ctx context.Context, orgID, taskID string) (*Task, error) {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OrgID != orgID {
		return nil, apperr.Unauthorized("task %s does not belong to org %s", taskID, orgID)
	}
	return t, nil
}

// List returns tasks matching f. f.OrgID is required.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Task, error) {
	if f.OrgID == "" {
		return nil, apperr.Invalid("organization is required")
	}
	return r.store.ListTasks(ctx, f)
}

// FindActive returns the agent's assigned or in-progress task, or nil.
func (r *Registry) FindActive(ctx context.Context, orgID, agentID string) (*Task, error) {
	tasks, err := r.store.ListTasks(ctx, Filter{
		OrgID:      orgID,
		AssigneeID: agentID,
		Statuses:   []Status{StatusInProgress, StatusAssigned},
	})
	if err != nil {
		return nil, fmt.Errorf("find active task: %w", err)
	}
	// Prefer work already started.
	for _, t := range tasks {
		if t.Status == StatusInProgress {
			return t, nil
		}
	}
	if len(tasks) > 0 {
		return tasks[0], nil
	}
	return nil, nil
}

// Inbox returns the org's unclaimed tasks, highest priority first.
func (r *Registry) Inbox(ctx context.Context, orgID string) ([]*Task, error) {
	return r.store.ListTasks(ctx, Filter{OrgID: orgID, Statuses: []Status{StatusInbox}})
}

// Claim atomically moves an inbox task to in_progress bound to agentID.
// It returns false when another agent won the race or the task has left
// inbox; callers retry on their next tick.
func (r *Registry) Claim(ctx context.Context, orgID, taskID, agentID string) (bool, error) {
	t, err := r.Get(ctx, orgID, taskID)
	if err != nil {
		return false, err
	}
	if _, err := r.member(ctx, orgID, agentID); err != nil {
		return false, err
	}
	if t.Status != StatusInbox {
		return false, nil
	}
	ok, err := r.store.ClaimTask(ctx, orgID, taskID, agentID, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !ok {
		return false, nil
	}
	r.record(ctx, t, agentID, "task claimed by "+agentID, activity.TaskAssigned{
		TaskID: taskID, AgentID: agentID, Via: "claim",
	})
	return true, nil
}

// Assign binds a task to an agent regardless of its inbox state. Both must
// belong to orgID. Done tasks cannot be reassigned.
func (r *Registry) Assign(ctx context.Context, orgID, taskID, agentID string) error {
	t, err := r.Get(ctx, orgID, taskID)
	if err != nil {
		return err
	}
	if _, err := r.member(ctx, orgID, agentID); err != nil {
		return err
	}
	if t.Status == StatusDone {
		return apperr.Conflict("task %s is done", taskID)
	}
	prev := t.Status
	t.bind(agentID)
	t.Status = StatusAssigned
	t.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateTask(ctx, t, prev); err != nil {
		return fmt.Errorf("assign task %s: %w", taskID, err)
	}
	r.record(ctx, t, agentID, "task assigned to "+agentID, activity.TaskAssigned{
		TaskID: taskID, AgentID: agentID, Via: "assign",
	})
	if prev != StatusAssigned {
		r.notify(ctx, taskID, StatusAssigned)
	}
	return nil
}

// UpdateStatus moves a task to status and notifies observers.
func (r *Registry) UpdateStatus(ctx context.Context, orgID, taskID string, status Status) error {
	if !status.Valid() {
		return apperr.Invalid("unknown task status %q", status)
	}
	t, err := r.Get(ctx, orgID, taskID)
	if err != nil {
		return err
	}
	if err := checkTransition(t.Status, status); err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	prev := t.Status
	now := r.now().UTC()
	t.Status = status
	t.UpdatedAt = now
	switch status {
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusDone:
		t.CompletedAt = &now
	}
	if err := r.store.UpdateTask(ctx, t, prev); err != nil {
		return fmt.Errorf("update task %s status: %w", taskID, err)
	}
	r.notify(ctx, taskID, status)
	return nil
}

// Complete marks the task done with output. agentID must be an assignee.
func (r *Registry) Complete(ctx context.Context, orgID, taskID, agentID, output string) error {
	t, err := r.Get(ctx, orgID, taskID)
	if err != nil {
		return err
	}
	if !t.HasAssignee(agentID) {
		return apperr.Unauthorized("agent %s is not assigned to task %s", agentID, taskID)
	}
	if t.Status == StatusDone {
		return apperr.Conflict("task %s is already done", taskID)
	}
	prev := t.Status
	now := r.now().UTC()
	t.Status = StatusDone
	t.Output = output
	t.UpdatedAt = now
	t.CompletedAt = &now
	if err := r.store.UpdateTask(ctx, t, prev); err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	r.record(ctx, t, agentID, "task completed: "+t.Title, activity.TaskCompleted{
		TaskID: taskID, AgentID: agentID, OutputBytes: len(output),
	})
	r.notify(ctx, taskID, StatusDone)
	return nil
}

func checkTransition(from, to Status) error {
	if from == StatusDone && to != StatusDone {
		return apperr.Conflict("task is done and cannot move to %s", to)
	}
	if to == StatusBlocked && from != StatusAssigned && from != StatusInProgress && from != StatusBlocked {
		return apperr.Conflict("task cannot be blocked from %s", from)
	}
	return nil
}

func (r *Registry) member(ctx context.Context, orgID, agentID string) (Member, error) {
	if r.members == nil {
		return Member{ID: agentID, OrgID: orgID}, nil
	}
	m, err := r.members.Member(ctx, agentID)
	if err != nil {
		return Member{}, err
	}
	if m.OrgID != orgID {
		return Member{}, apperr.Unauthorized("agent %s does not belong to org %s", agentID, orgID)
	}
	return m, nil
}

func (r *Registry) notify(ctx context.Context, taskID string, status Status) {
	r.mu.RLock()
	observers := append([]StatusObserver(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range observers {
		if err := o.OnTaskStatusChanged(ctx, taskID, status); err != nil {
			r.logger.Error("task status observer failed", "task_id", taskID, "status", status, "err", err)
		}
	}
}

func (r *Registry) record(ctx context.Context, t *Task, agentID, summary string, p activity.Payload) {
	activity.Emit(ctx, r.activity, r.logger, &activity.Entry{
		OrgID:      t.OrgID,
		AgentID:    agentID,
		TaskID:     t.ID,
		ProposalID: t.ProposalID,
		Summary:    summary,
		Payload:    p,
	})
}
