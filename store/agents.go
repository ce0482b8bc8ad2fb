package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/task"
)

const agentColumns = `id, org_id, name, role, soul, team_id, status, provider, model, machine_id,
	last_heartbeat, created_at, updated_at`

// CreateAgent inserts a.
func (s *DB) CreateAgent(ctx context.Context, a *agent.Agent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrgID, a.Name, a.Role, a.Soul, a.TeamID, string(a.Status), a.Provider, a.Model,
		a.MachineID, nullMS(a.LastHeartbeat), ms(a.CreatedAt), ms(a.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("agent name %q is already taken", a.Name)
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "insert agent")
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *DB) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("agent", id)
	}
	return a, err
}

// Member implements task.Directory.
func (s *DB) Member(ctx context.Context, agentID string) (task.Member, error) {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return task.Member{}, err
	}
	return task.Member{ID: a.ID, Name: a.Name, OrgID: a.OrgID, TeamID: a.TeamID}, nil
}

// ListAgents returns the org's agents ordered by name.
func (s *DB) ListAgents(ctx context.Context, orgID string) ([]*agent.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE org_id = ? ORDER BY name`, orgID)
}

// StaleAgents returns machine-backed agents whose last heartbeat (or
// creation, if they never beat) is older than before.
func (s *DB) StaleAgents(ctx context.Context, before time.Time) ([]*agent.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE machine_id <> '' AND COALESCE(last_heartbeat, created_at) < ?
		ORDER BY org_id, name`, ms(before))
}

func (s *DB) queryAgents(ctx context.Context, q string, args ...any) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "list agents")
	}
	defer rows.Close()
	var out []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAgentStatus updates an agent's lifecycle status.
func (s *DB) SetAgentStatus(ctx context.Context, id string, status agent.Status) error {
	return s.updateAgent(ctx, id, `status = ?`, string(status))
}

// SetAgentSoul replaces an agent's soul text.
func (s *DB) SetAgentSoul(ctx context.Context, id, soul string) error {
	return s.updateAgent(ctx, id, `soul = ?`, soul)
}

// SetAgentMachine records (or clears, with "") an agent's machine handle.
func (s *DB) SetAgentMachine(ctx context.Context, id, machineID string) error {
	return s.updateAgent(ctx, id, `machine_id = ?`, machineID)
}

// TouchAgent records a heartbeat.
func (s *DB) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return s.updateAgent(ctx, id, `last_heartbeat = ?`, ms(at))
}

// DeleteAgent removes an agent record.
func (s *DB) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "delete agent")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("agent", id)
	}
	return nil
}

func (s *DB) updateAgent(ctx context.Context, id, set string, value any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET `+set+`, updated_at = ? WHERE id = ?`,
		value, ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "update agent")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("agent", id)
	}
	return nil
}

func scanAgent(row rowScanner) (*agent.Agent, error) {
	var (
		a                agent.Agent
		status           string
		heartbeat        sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.Role, &a.Soul, &a.TeamID, &status, &a.Provider,
		&a.Model, &a.MachineID, &heartbeat, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "scan agent")
	}
	a.Status = agent.Status(status)
	a.LastHeartbeat = timePtr(heartbeat)
	a.CreatedAt = fromMS(created)
	a.UpdatedAt = fromMS(updated)
	return &a, nil
}
