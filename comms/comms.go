// Package comms provides the channel-addressed chat log agents and humans
// talk through.
package comms

import (
	"context"
	"strings"
	"time"
)

// Kind distinguishes ordinary chat from system narration.
type Kind string

const (
	KindChat          Kind = "chat"
	KindNarrative     Kind = "narrative"      // posted by services, not by a brain
	KindTaskCompleted Kind = "task_completed" // completion notice from an agent runtime
)

// ChannelGeneral is the org-wide channel.
const ChannelGeneral = "general"

// TeamChannel returns the channel name of a team.
func TeamChannel(teamID string) string { return "team-" + teamID }

// TaskChannel returns the channel name of a task.
func TaskChannel(taskID string) string { return "task-" + taskID }

// ChannelFor returns the team channel, or general when teamID is empty.
func ChannelFor(teamID string) string {
	if teamID == "" {
		return ChannelGeneral
	}
	return TeamChannel(teamID)
}

// IsTeamChannel reports whether channel is a team channel.
func IsTeamChannel(channel string) bool { return strings.HasPrefix(channel, "team-") }

// Message is one entry in a channel. AgentID is empty for humans.
// Seq is assigned by the log and increases strictly in append order.
type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	OrgID     string    `json:"org_id"`
	Channel   string    `json:"channel"`
	AgentID   string    `json:"agent_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	TaskID    string    `json:"task_id,omitempty"`
	Depth     int       `json:"depth"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is the append-only message store.
type Log interface {
	// AppendMessage stores m and sets m.Seq.
	AppendMessage(ctx context.Context, m *Message) error

	// MessagesAfter returns messages of a channel with Seq > afterSeq in
	// ascending Seq order, at most limit of them (0 = no limit).
	MessagesAfter(ctx context.Context, orgID, channel string, afterSeq int64, limit int) ([]*Message, error)

	// RecentMessages returns the last limit messages of a channel in
	// ascending Seq order.
	RecentMessages(ctx context.Context, orgID, channel string, limit int) ([]*Message, error)
}

// Handler is called for every message posted through a Router.
type Handler func(ctx context.Context, msg *Message)
