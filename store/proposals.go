package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/proposal"
)

const proposalColumns = `id, org_id, task_id, agent_id, team_id, action, params, rationale, cost,
	confidence, status, reason, mission_id, created_at, resolved_at`

// CreateProposal inserts p.
func (s *DB) CreateProposal(ctx context.Context, p *proposal.Proposal) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.TaskID, p.AgentID, p.TeamID, p.Action, string(p.Params), p.Rationale,
		nullFloat(p.Cost), nullFloat(p.Confidence), string(p.Status), p.Reason, p.MissionID,
		ms(p.CreatedAt), nullMS(p.ResolvedAt),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "insert proposal")
	}
	return nil
}

// GetProposal retrieves a proposal by ID.
func (s *DB) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("proposal", id)
	}
	return p, err
}

// ListProposals returns the org's proposals, newest first.
func (s *DB) ListProposals(ctx context.Context, orgID string, status *proposal.Status) ([]*proposal.Proposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM proposals WHERE org_id = ?`
	args := []any{orgID}
	if status != nil {
		q += ` AND status = ?`
		args = append(args, string(*status))
	}
	q += ` ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "list proposals")
	}
	defer rows.Close()
	var out []*proposal.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResolveProposal moves a pending proposal to status in one conditional
// UPDATE and reports whether it was still pending.
func (s *DB) ResolveProposal(ctx context.Context, id string, status proposal.Status, reason string, at time.Time) (bool, error) {
	q := `UPDATE proposals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`
	args := []any{string(status), ms(at), id, string(proposal.StatusPending)}
	if reason != "" {
		q = `UPDATE proposals SET status = ?, resolved_at = ?, reason = ? WHERE id = ? AND status = ?`
		args = []any{string(status), ms(at), reason, id, string(proposal.StatusPending)}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeStorageFailure, err, "resolve proposal")
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReopenProposal returns a resolved proposal that never got its mission to
// pending.
func (s *DB) ReopenProposal(ctx context.Context, id string, from proposal.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, resolved_at = NULL WHERE id = ? AND status = ? AND mission_id = ''`,
		string(proposal.StatusPending), id, string(from))
	if err != nil {
		return false, apperr.Wrap(apperr.CodeStorageFailure, err, "reopen proposal")
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetProposalMission records the mission task of a proposal.
func (s *DB) SetProposalMission(ctx context.Context, id, missionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET mission_id = ? WHERE id = ?`, missionID, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "set proposal mission")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("proposal", id)
	}
	return nil
}

func scanProposal(row rowScanner) (*proposal.Proposal, error) {
	var (
		p                proposal.Proposal
		params, status   string
		cost, confidence sql.NullFloat64
		created          int64
		resolved         sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.OrgID, &p.TaskID, &p.AgentID, &p.TeamID, &p.Action, &params, &p.Rationale,
		&cost, &confidence, &status, &p.Reason, &p.MissionID, &created, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "scan proposal")
	}
	if params != "" {
		p.Params = json.RawMessage(params)
	}
	p.Cost = floatPtr(cost)
	p.Confidence = floatPtr(confidence)
	p.Status = proposal.Status(status)
	p.CreatedAt = fromMS(created)
	p.ResolvedAt = timePtr(resolved)
	return &p, nil
}
