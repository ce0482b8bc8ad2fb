// Package brain wraps a language-model provider with an agent's identity.
// A Brain answers chat (Ask) and executes task work (Work); the agent's soul
// becomes the system prompt of every call.
package brain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/sortie/provider"
)

// DefaultTimeout bounds a single Brain call.
const DefaultTimeout = 90 * time.Second

// Turn is one prior chat message given to Ask as context.
type Turn struct {
	Speaker string // display name; empty for a human operator
	Self    bool   // authored by the asking agent
	Content string
}

// Brain is the reasoning backend of a single agent.
type Brain interface {
	Ask(ctx context.Context, history []Turn, message string) (string, error)
	Work(ctx context.Context, title, description string) (string, error)
}

// Identity is what a Brain knows about the agent it serves.
type Identity struct {
	AgentID  string
	OrgID    string
	Name     string
	Role     string
	Soul     string
	Provider string
	Model    string
}

// SystemPrompt renders the identity into a system prompt.
func SystemPrompt(id Identity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", id.Name)
	if id.Role != "" {
		fmt.Fprintf(&b, ", acting as %s", id.Role)
	}
	b.WriteString(".\n")
	if soul := strings.TrimSpace(id.Soul); soul != "" {
		b.WriteString(soul)
		b.WriteString("\n")
	}
	return b.String()
}

// Diagnostic renders a failed Brain or tool call as text that can travel
// through the normal message and task-output path.
func Diagnostic(op string, err error) string {
	return fmt.Sprintf("[%s failed: %v]", op, err)
}

type providerBrain struct {
	id       Identity
	provider provider.Provider
	timeout  time.Duration
}

// New returns a Brain backed by p. A non-positive timeout uses DefaultTimeout.
func New(p provider.Provider, id Identity, timeout time.Duration) Brain {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &providerBrain{id: id, provider: p, timeout: timeout}
}

func (b *providerBrain) Ask(ctx context.Context, history []Turn, message string) (string, error) {
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: SystemPrompt(b.id)})
	for _, t := range history {
		if t.Self {
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: t.Content})
			continue
		}
		msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: speaker(t) + ": " + t.Content})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: message})
	return b.chat(ctx, msgs)
}

func (b *providerBrain) Work(ctx context.Context, title, description string) (string, error) {
	prompt := fmt.Sprintf("Complete the following task and reply with the result.\n\nTask: %s\n\n%s", title, description)
	return b.chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: SystemPrompt(b.id)},
		{Role: provider.RoleUser, Content: prompt},
	})
}

func (b *providerBrain) chat(ctx context.Context, msgs []provider.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	resp, err := b.provider.Chat(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("brain %s: %w", b.provider.Name(), err)
	}
	return resp.Content, nil
}

func speaker(t Turn) string {
	if t.Speaker == "" {
		return "operator"
	}
	return t.Speaker
}
