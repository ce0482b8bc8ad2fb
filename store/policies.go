package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/policy"
)

const policyColumns = `id, org_id, team_id, action, mode, max_cost, min_confidence, created_at, updated_at`

// FindPolicy returns the policy keyed by (org, team, action), or nil.
func (s *DB) FindPolicy(ctx context.Context, orgID, teamID, action string) (*policy.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies
		WHERE org_id = ? AND team_id = ? AND action = ?`, orgID, teamID, action)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpsertPolicy inserts p or replaces the mode and guards of the policy with
// the same key. p.ID is set to the stored row's ID.
func (s *DB) UpsertPolicy(ctx context.Context, p *policy.Policy) error {
	q := `INSERT INTO policies (` + policyColumns + `) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (org_id, team_id, action) DO UPDATE SET
			mode = excluded.mode, max_cost = excluded.max_cost,
			min_confidence = excluded.min_confidence, updated_at = excluded.updated_at`
	if s.dialect == MySQL {
		q = `INSERT INTO policies (` + policyColumns + `) VALUES (?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE
			mode = VALUES(mode), max_cost = VALUES(max_cost),
			min_confidence = VALUES(min_confidence), updated_at = VALUES(updated_at)`
	}
	_, err := s.db.ExecContext(ctx, q,
		p.ID, p.OrgID, p.TeamID, p.Action, string(p.Mode),
		nullFloat(p.MaxCost), nullFloat(p.MinConfidence), ms(p.CreatedAt), ms(p.UpdatedAt),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "upsert policy")
	}
	stored, err := s.FindPolicy(ctx, p.OrgID, p.TeamID, p.Action)
	if err != nil {
		return err
	}
	if stored != nil {
		p.ID = stored.ID
		p.CreatedAt = stored.CreatedAt
	}
	return nil
}

// DeletePolicy removes the org's policy with id.
func (s *DB) DeletePolicy(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "delete policy")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("policy", id)
	}
	return nil
}

// ListPolicies returns the org's policies.
func (s *DB) ListPolicies(ctx context.Context, orgID string) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies
		WHERE org_id = ? ORDER BY team_id, action`, orgID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "list policies")
	}
	defer rows.Close()
	var out []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row rowScanner) (*policy.Policy, error) {
	var (
		p                policy.Policy
		mode             string
		maxCost, minConf sql.NullFloat64
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.OrgID, &p.TeamID, &p.Action, &mode, &maxCost, &minConf, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "scan policy")
	}
	p.Mode = policy.Mode(mode)
	p.MaxCost = floatPtr(maxCost)
	p.MinConfidence = floatPtr(minConf)
	p.CreatedAt = fromMS(created)
	p.UpdatedAt = fromMS(updated)
	return &p, nil
}
