package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/sortie/task"
)

// TaskReader is the subset of task.Registry the lookup tools need.
type TaskReader interface {
	Get(ctx context.Context, orgID, taskID string) (*task.Task, error)
	List(ctx context.Context, f task.Filter) ([]*task.Task, error)
}

// TaskLookup returns one task of the caller's organization.
type TaskLookup struct {
	Tasks TaskReader
}

func (t *TaskLookup) Name() string { return "task_lookup" }
func (t *TaskLookup) Description() string {
	return `Show a task's status, assignees and output. Args: {"task_id": string}`
}

func (t *TaskLookup) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, _ := args["task_id"].(string)
	if id == "" {
		return "", fmt.Errorf("task_id is required")
	}
	orgID, _ := CallerFromContext(ctx)
	tk, err := t.Tasks.Get(ctx, orgID, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s, %s] %s\n", tk.ID, tk.Status, tk.Priority, tk.Title)
	if a := tk.Assignees(); len(a) > 0 {
		fmt.Fprintf(&b, "assignees: %s\n", strings.Join(a, ", "))
	}
	if tk.ParentID != "" {
		fmt.Fprintf(&b, "mission: %s\n", tk.ParentID)
	}
	if tk.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", tk.Description)
	}
	if tk.Output != "" {
		fmt.Fprintf(&b, "\noutput:\n%s\n", tk.Output)
	}
	return b.String(), nil
}

// TaskList lists the open tasks of the caller's organization.
type TaskList struct {
	Tasks TaskReader
	Limit int
}

func (t *TaskList) Name() string { return "task_list" }
func (t *TaskList) Description() string {
	return `List open tasks. Args: {"team_id": string (optional)}`
}

func (t *TaskList) Execute(ctx context.Context, args map[string]any) (string, error) {
	orgID, _ := CallerFromContext(ctx)
	teamID, _ := args["team_id"].(string)
	limit := t.Limit
	if limit <= 0 {
		limit = 20
	}
	list, err := t.Tasks.List(ctx, task.Filter{
		OrgID:    orgID,
		TeamID:   teamID,
		Statuses: []task.Status{task.StatusInbox, task.StatusAssigned, task.StatusInProgress, task.StatusReview, task.StatusBlocked},
		Limit:    limit,
	})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "no open tasks", nil
	}
	var b strings.Builder
	for _, tk := range list {
		fmt.Fprintf(&b, "- %s [%s] %s\n", tk.ID, tk.Status, tk.Title)
	}
	return b.String(), nil
}
