// Package api defines the admin REST API handlers and the service
// interfaces they depend on.
package api

import (
	"context"

	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/fleet"
	"github.com/GoCodeAlone/sortie/policy"
	"github.com/GoCodeAlone/sortie/proposal"
	"github.com/GoCodeAlone/sortie/task"
)

// Tasks is the task registry surface the API uses.
type Tasks interface {
	Create(ctx context.Context, orgID string, in task.CreateInput) (string, error)
	CreateAssigned(ctx context.Context, orgID string, in task.CreateInput, agentID string) (*task.Task, error)
	Get(ctx context.Context, orgID, taskID string) (*task.Task, error)
	List(ctx context.Context, f task.Filter) ([]*task.Task, error)
	Assign(ctx context.Context, orgID, taskID, agentID string) error
	UpdateStatus(ctx context.Context, orgID, taskID string, status task.Status) error
}

// Proposals is the proposal workflow surface the API uses.
type Proposals interface {
	Propose(ctx context.Context, req proposal.ProposeRequest) (*proposal.Result, error)
	Approve(ctx context.Context, orgID, id, approver string) (*proposal.Result, error)
	Deny(ctx context.Context, orgID, id, reason, deniedBy string) error
	Get(ctx context.Context, orgID, id string) (*proposal.Proposal, error)
	List(ctx context.Context, orgID string, status *proposal.Status) ([]*proposal.Proposal, error)
}

// Policies is the policy administration surface the API uses.
type Policies interface {
	Upsert(ctx context.Context, p *policy.Policy) error
	Delete(ctx context.Context, orgID, id string) error
	List(ctx context.Context, orgID string) ([]*policy.Policy, error)
}

// Fleet hires, fires and reconfigures agents.
type Fleet interface {
	Hire(ctx context.Context, orgID string, in fleet.HireInput) (*agent.Agent, error)
	Fire(ctx context.Context, orgID, agentID string) error
	Get(ctx context.Context, orgID, agentID string) (*agent.Agent, error)
	List(ctx context.Context, orgID string) ([]*agent.Agent, error)
	SetSoul(ctx context.Context, orgID, agentID, soul string) error
}

// Chat posts to and reads channels.
type Chat interface {
	Post(ctx context.Context, msg *comms.Message) error
	After(ctx context.Context, orgID, channel string, afterSeq int64, limit int) ([]*comms.Message, error)
	Recent(ctx context.Context, orgID, channel string, limit int) ([]*comms.Message, error)
}
