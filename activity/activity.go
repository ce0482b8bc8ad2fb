// Package activity defines the append-only audit log produced by the fleet
// services. Payloads are a closed set of typed records keyed by Kind.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the payload type of an activity entry.
type Kind string

const (
	KindTaskCreated        Kind = "task_created"
	KindTaskAssigned       Kind = "task_assigned"
	KindTaskCompleted      Kind = "task_completed"
	KindProposalCreated    Kind = "proposal_created"
	KindActionAutoExecuted Kind = "action_auto_executed"
	KindProposalApproved   Kind = "proposal_approved"
	KindProposalDenied     Kind = "proposal_denied"
)

// Payload is implemented by every activity payload type.
type Payload interface {
	Kind() Kind
}

// TaskCreated records a new task.
type TaskCreated struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title"`
	TeamID   string `json:"team_id,omitempty"`
	Priority string `json:"priority"`
	ParentID string `json:"parent_id,omitempty"`
}

// TaskAssigned records a task being bound to an agent. Via is one of
// "claim", "assign" or "create".
type TaskAssigned struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Via     string `json:"via"`
}

// TaskCompleted records a task reaching done.
type TaskCompleted struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	OutputBytes int    `json:"output_bytes"`
}

// ProposalCreated records a proposal and the gatekeeper's verdict.
type ProposalCreated struct {
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// ActionAutoExecuted records a proposal that ran without human sign-off.
type ActionAutoExecuted struct {
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	MissionID  string `json:"mission_id"`
}

// ProposalApproved records a human approval.
type ProposalApproved struct {
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	MissionID  string `json:"mission_id"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// ProposalDenied records a human denial.
type ProposalDenied struct {
	ProposalID string `json:"proposal_id"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	DeniedBy   string `json:"denied_by,omitempty"`
}

func (TaskCreated) Kind() Kind        { return KindTaskCreated }
func (TaskAssigned) Kind() Kind       { return KindTaskAssigned }
func (TaskCompleted) Kind() Kind      { return KindTaskCompleted }
func (ProposalCreated) Kind() Kind    { return KindProposalCreated }
func (ActionAutoExecuted) Kind() Kind { return KindActionAutoExecuted }
func (ProposalApproved) Kind() Kind   { return KindProposalApproved }
func (ProposalDenied) Kind() Kind     { return KindProposalDenied }

// Entry is one activity log record.
type Entry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Summary    string    `json:"summary"`
	Payload    Payload   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type entryJSON struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	AgentID    string          `json:"agent_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	ProposalID string          `json:"proposal_id,omitempty"`
	Summary    string          `json:"summary"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MarshalJSON flattens the payload into kind + payload fields.
func (e Entry) MarshalJSON() ([]byte, error) {
	kind, data, err := Encode(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryJSON{
		ID: e.ID, OrgID: e.OrgID, AgentID: e.AgentID, TaskID: e.TaskID,
		ProposalID: e.ProposalID, Summary: e.Summary, Kind: kind,
		Payload: data, CreatedAt: e.CreatedAt,
	})
}

// UnmarshalJSON restores the typed payload from its kind.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p, err := Decode(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = Entry{
		ID: raw.ID, OrgID: raw.OrgID, AgentID: raw.AgentID, TaskID: raw.TaskID,
		ProposalID: raw.ProposalID, Summary: raw.Summary, Payload: p,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}

// Encode serializes a payload for storage.
func Encode(p Payload) (Kind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("activity: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("activity: encode %s: %w", p.Kind(), err)
	}
	return p.Kind(), data, nil
}

// Decode rebuilds a typed payload from its kind and JSON body.
func Decode(kind Kind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindTaskCreated:
		p = &TaskCreated{}
	case KindTaskAssigned:
		p = &TaskAssigned{}
	case KindTaskCompleted:
		p = &TaskCompleted{}
	case KindProposalCreated:
		p = &ProposalCreated{}
	case KindActionAutoExecuted:
		p = &ActionAutoExecuted{}
	case KindProposalApproved:
		p = &ProposalApproved{}
	case KindProposalDenied:
		p = &ProposalDenied{}
	default:
		return nil, fmt.Errorf("activity: unknown kind %q", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("activity: decode %s: %w", kind, err)
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TaskCreated:
		return *v
	case *TaskAssigned:
		return *v
	case *TaskCompleted:
		return *v
	case *ProposalCreated:
		return *v
	case *ActionAutoExecuted:
		return *v
	case *ProposalApproved:
		return *v
	case *ProposalDenied:
		return *v
	}
	return p
}

// Recorder accepts activity entries.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e *Entry) error

func (f RecorderFunc) Record(ctx context.Context, e *Entry) error { return f(ctx, e) }

// Store persists activity entries.
type Store interface {
	AppendActivity(ctx context.Context, e *Entry) error
	ListActivity(ctx context.Context, orgID string, limit int) ([]*Entry, error)
}

// StoreRecorder writes entries to a Store.
type StoreRecorder struct {
	Store Store
}

func (r StoreRecorder) Record(ctx context.Context, e *Entry) error {
	return r.Store.AppendActivity(ctx, e)
}
