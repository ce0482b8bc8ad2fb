package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/task"
)

const taskColumns = `id, org_id, title, description, status, priority, team_id, assigned_to,
	assignee_ids, parent_id, proposal_id, output, created_at, updated_at, started_at, completed_at`

// CreateTask inserts t.
func (s *DB) CreateTask(ctx context.Context, t *task.Task) error {
	assignees, err := json.Marshal(nonNil(t.AssigneeIDs))
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Title, t.Description, string(t.Status), int(t.Priority),
		t.TeamID, t.AssignedTo, string(assignees), t.ParentID, t.ProposalID, t.Output,
		ms(t.CreatedAt), ms(t.UpdatedAt), nullMS(t.StartedAt), nullMS(t.CompletedAt),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "insert task")
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *DB) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task", id)
	}
	return t, err
}

// ListTasks returns tasks matching f, highest priority first.
func (s *DB) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE org_id = ?`)
	args := []any{f.OrgID}

	if len(f.Statuses) > 0 {
		q.WriteString(" AND status IN (" + placeholders(len(f.Statuses)) + ")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.AssigneeID != "" {
		q.WriteString(" AND (assigned_to = ? OR assignee_ids LIKE ?)")
		args = append(args, f.AssigneeID, `%"`+f.AssigneeID+`"%`)
	}
	if f.TeamID != "" {
		q.WriteString(" AND team_id = ?")
		args = append(args, f.TeamID)
	}
	if f.ParentID != "" {
		q.WriteString(" AND parent_id = ?")
		args = append(args, f.ParentID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, id ASC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "list tasks")
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask is a single conditional UPDATE: the row changes only while its
// status is still inbox, so at most one concurrent claimant matches.
func (s *DB) ClaimTask(ctx context.Context, orgID, taskID, agentID string, at time.Time) (bool, error) {
	assignees, _ := json.Marshal([]string{agentID})
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_to = ?, assignee_ids = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND org_id = ? AND status = ?`,
		string(task.StatusInProgress), agentID, string(assignees), ms(at), ms(at),
		taskID, orgID, string(task.StatusInbox),
	)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeStorageFailure, err, "claim task")
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTask saves t when the stored status still equals expect.
func (s *DB) UpdateTask(ctx context.Context, t *task.Task, expect task.Status) error {
	assignees, err := json.Marshal(nonNil(t.AssigneeIDs))
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, status = ?, priority = ?, team_id = ?, assigned_to = ?,
			assignee_ids = ?, parent_id = ?, proposal_id = ?, output = ?,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		t.Title, t.Description, string(t.Status), int(t.Priority), t.TeamID, t.AssignedTo,
		string(assignees), t.ParentID, t.ProposalID, t.Output,
		ms(t.UpdatedAt), nullMS(t.StartedAt), nullMS(t.CompletedAt),
		t.ID, string(expect),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "update task")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		cur, err := s.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		return apperr.Conflict("task %s changed to %s concurrently", t.ID, cur.Status)
	}
	return nil
}

// OpenTaskCount returns how many non-done tasks list agentID as assignee.
func (s *DB) OpenTaskCount(ctx context.Context, orgID, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE org_id = ? AND status <> ? AND (assigned_to = ? OR assignee_ids LIKE ?)`,
		orgID, string(task.StatusDone), agentID, `%"`+agentID+`"%`,
	).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorageFailure, err, "count open tasks")
	}
	return n, nil
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                      task.Task
		status                 string
		priority               int
		assignees              string
		created, updated       int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.OrgID, &t.Title, &t.Description, &status, &priority, &t.TeamID, &t.AssignedTo,
		&assignees, &t.ParentID, &t.ProposalID, &t.Output, &created, &updated, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "scan task")
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if assignees != "" {
		if err := json.Unmarshal([]byte(assignees), &t.AssigneeIDs); err != nil {
			return nil, fmt.Errorf("decode assignees of task %s: %w", t.ID, err)
		}
	}
	if len(t.AssigneeIDs) == 0 {
		t.AssigneeIDs = nil
	}
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
