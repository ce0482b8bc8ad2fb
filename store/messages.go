package store

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/internal/apperr"
)

const messageColumns = `seq, id, org_id, channel, agent_id, kind, content, task_id, depth, created_at`

// AppendMessage inserts m and sets m.Seq from the auto-increment key.
func (s *DB) AppendMessage(ctx context.Context, m *comms.Message) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(id, org_id, channel, agent_id, kind, content, task_id, depth, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.OrgID, m.Channel, m.AgentID, string(m.Kind), m.Content, m.TaskID, m.Depth, ms(m.CreatedAt),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "insert message")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message seq: %w", err)
	}
	m.Seq = seq
	return nil
}

// MessagesAfter returns channel messages with seq > afterSeq, oldest first.
func (s *DB) MessagesAfter(ctx context.Context, orgID, channel string, afterSeq int64, limit int) ([]*comms.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE org_id = ? AND channel = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryMessages(ctx, q, orgID, channel, afterSeq)
}

// RecentMessages returns the last limit channel messages, oldest first.
func (s *DB) RecentMessages(ctx context.Context, orgID, channel string, limit int) ([]*comms.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE org_id = ? AND channel = ? ORDER BY seq DESC LIMIT `+fmt.Sprint(limit), orgID, channel)
	if err != nil {
		return nil, err
	}
	for a, b := 0, len(msgs)-1; a < b; a, b = a+1, b-1 {
		msgs[a], msgs[b] = msgs[b], msgs[a]
	}
	return msgs, nil
}

func (s *DB) queryMessages(ctx context.Context, q string, args ...any) ([]*comms.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "list messages")
	}
	defer rows.Close()
	var out []*comms.Message
	for rows.Next() {
		var (
			m       comms.Message
			kind    string
			created int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.OrgID, &m.Channel, &m.AgentID, &kind, &m.Content,
			&m.TaskID, &m.Depth, &created); err != nil {
			return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "scan message")
		}
		m.Kind = comms.Kind(kind)
		m.CreatedAt = fromMS(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AppendActivity inserts an activity entry.
func (s *DB) AppendActivity(ctx context.Context, e *activity.Entry) error {
	kind, payload, err := activity.Encode(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO activity
		(id, org_id, kind, agent_id, task_id, proposal_id, summary, payload, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OrgID, string(kind), e.AgentID, e.TaskID, e.ProposalID, e.Summary, string(payload), ms(e.CreatedAt),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageFailure, err, "insert activity")
	}
	return nil
}

// ListActivity returns the org's newest activity entries first.
func (s *DB) ListActivity(ctx context.Context, orgID string, limit int) ([]*activity.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, org_id, kind, agent_id, task_id, proposal_id, summary, payload, created_at
		FROM activity WHERE org_id = ? ORDER BY created_at DESC, id LIMIT `+fmt.Sprint(limit), orgID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "list activity")
	}
	defer rows.Close()
	var out []*activity.Entry
	for rows.Next() {
		var (
			e             activity.Entry
			kind, payload string
			created       int64
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &kind, &e.AgentID, &e.TaskID, &e.ProposalID, &e.Summary,
			&payload, &created); err != nil {
			return nil, apperr.Wrap(apperr.CodeStorageFailure, err, "scan activity")
		}
		p, err := activity.Decode(activity.Kind(kind), []byte(payload))
		if err != nil {
			return nil, err
		}
		e.Payload = p
		e.CreatedAt = fromMS(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}
