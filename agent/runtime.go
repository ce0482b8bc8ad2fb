package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/sortie/brain"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/schedule"
	"github.com/GoCodeAlone/sortie/task"
	"github.com/GoCodeAlone/sortie/tools"
)

// Duty names registered on a runtime's scheduler.
const (
	DutyHeartbeat = "heartbeat"
	DutyTasks     = "tasks"
	DutyChat      = "chat"
)

// seqLookback is how far behind its cursor a runtime re-reads a channel.
const seqLookback = 32

// Tasks is the task registry surface a runtime uses.
type Tasks interface {
	FindActive(ctx context.Context, orgID, agentID string) (*task.Task, error)
	Inbox(ctx context.Context, orgID string) ([]*task.Task, error)
	List(ctx context.Context, f task.Filter) ([]*task.Task, error)
	Claim(ctx context.Context, orgID, taskID, agentID string) (bool, error)
	UpdateStatus(ctx context.Context, orgID, taskID string, status task.Status) error
	Complete(ctx context.Context, orgID, taskID, agentID, output string) error
	CreateAssigned(ctx context.Context, orgID string, in task.CreateInput, agentID string) (*task.Task, error)
}

// Chat is the channel surface a runtime uses.
type Chat interface {
	Post(ctx context.Context, msg *comms.Message) error
	After(ctx context.Context, orgID, channel string, afterSeq int64, limit int) ([]*comms.Message, error)
	Recent(ctx context.Context, orgID, channel string, limit int) ([]*comms.Message, error)
}

// Redactor scrubs secrets from outgoing text.
type Redactor interface {
	Redact(text string) string
}

// Settings tunes a runtime. Zero values take defaults.
type Settings struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskInterval      time.Duration `yaml:"task_interval"`
	ChatInterval      time.Duration `yaml:"chat_interval"`
	MaxDepth          int           `yaml:"max_depth"`
	HistoryWindow     int           `yaml:"history_window"`
	RosterLimit       int           `yaml:"roster_limit"`
	ActiveTaskLimit   int           `yaml:"active_task_limit"`
	ChatBatch         int           `yaml:"chat_batch"`
	MaxToolRounds     int           `yaml:"max_tool_rounds"`
}

// DefaultSettings returns the runtime defaults.
func DefaultSettings() Settings {
	return Settings{
		HeartbeatInterval: 30 * time.Second,
		TaskInterval:      10 * time.Second,
		ChatInterval:      5 * time.Second,
		MaxDepth:          DefaultMaxDepth,
		HistoryWindow:     12,
		RosterLimit:       25,
		ActiveTaskLimit:   15,
		ChatBatch:         50,
		MaxToolRounds:     3,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.TaskInterval <= 0 {
		s.TaskInterval = d.TaskInterval
	}
	if s.ChatInterval <= 0 {
		s.ChatInterval = d.ChatInterval
	}
	if s.MaxDepth <= 0 {
		s.MaxDepth = d.MaxDepth
	}
	if s.HistoryWindow <= 0 {
		s.HistoryWindow = d.HistoryWindow
	}
	if s.RosterLimit <= 0 {
		s.RosterLimit = d.RosterLimit
	}
	if s.ActiveTaskLimit <= 0 {
		s.ActiveTaskLimit = d.ActiveTaskLimit
	}
	if s.ChatBatch <= 0 {
		s.ChatBatch = d.ChatBatch
	}
	if s.MaxToolRounds < 0 {
		s.MaxToolRounds = 0
	}
	return s
}

// RuntimeConfig holds the dependencies of a Runtime. Tools, Redactor,
// Logger and Now are optional.
type RuntimeConfig struct {
	AgentID  string
	Agents   Store
	Tasks    Tasks
	Chat     Chat
	Brains   brain.Builder
	Tools    *tools.Registry
	Redactor Redactor
	Settings Settings
	Logger   *slog.Logger
	Now      func() time.Time
}

// Runtime drives one agent: a heartbeat, a task loop and a chat loop, each
// on its own interval. All per-agent state lives here; runtimes share
// nothing but the stores behind their dependencies.
type Runtime struct {
	cfg      RuntimeConfig
	settings Settings
	shield   Shield
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	self      *Agent
	soul      string
	brain     brain.Brain
	cursors   map[string]int64
	seen      map[string]map[string]int64 // channel -> message id -> seq
	startedAt time.Time
}

// NewRuntime validates cfg and creates a Runtime. Call Init or Run before
// ticking it.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("agent runtime: agent id is required")
	}
	if cfg.Agents == nil || cfg.Tasks == nil || cfg.Chat == nil || cfg.Brains == nil {
		return nil, errors.New("agent runtime: agents, tasks, chat and brains are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	settings := cfg.Settings.withDefaults()
	return &Runtime{
		cfg:      cfg,
		settings: settings,
		shield:   Shield{MaxDepth: settings.MaxDepth},
		logger:   logger.With("agent_id", cfg.AgentID),
		now:      now,
		cursors:  make(map[string]int64),
		seen:     make(map[string]map[string]int64),
	}, nil
}

// Init loads the agent record and builds its brain. Messages created
// before Init are never answered.
func (r *Runtime) Init(ctx context.Context) error {
	a, err := r.cfg.Agents.GetAgent(ctx, r.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("agent runtime: load %s: %w", r.cfg.AgentID, err)
	}
	b, err := r.cfg.Brains.Build(ctx, identity(a))
	if err != nil {
		return fmt.Errorf("agent runtime: build brain for %s: %w", a.Name, err)
	}
	r.mu.Lock()
	r.self = a
	r.soul = a.Soul
	r.brain = b
	r.startedAt = r.now().UTC()
	r.mu.Unlock()
	r.logger = r.logger.With("agent", a.Name)
	return nil
}

// Scheduler returns a scheduler with the runtime's three duties.
func (r *Runtime) Scheduler() *schedule.Scheduler {
	s := schedule.New(r.logger)
	_ = s.Add(schedule.Duty{Name: DutyHeartbeat, Interval: r.settings.HeartbeatInterval, Immediate: true, Run: r.Heartbeat})
	_ = s.Add(schedule.Duty{Name: DutyTasks, Interval: r.settings.TaskInterval, Run: r.TaskTick})
	_ = s.Add(schedule.Duty{Name: DutyChat, Interval: r.settings.ChatInterval, Run: r.ChatTick})
	return s
}

// Run initializes the runtime if needed and ticks it until ctx is
// cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if self, _ := r.state(); self == nil {
		if err := r.Init(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("agent runtime started")
	err := r.Scheduler().Run(ctx)
	r.logger.Info("agent runtime stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Self returns a copy of the last-known agent record.
func (r *Runtime) Self() Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self == nil {
		return Agent{ID: r.cfg.AgentID}
	}
	return *r.self
}

// state returns a snapshot of the agent record and the current brain.
func (r *Runtime) state() (*Agent, brain.Brain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self == nil {
		return nil, r.brain
	}
	self := *r.self
	return &self, r.brain
}

// Heartbeat refreshes last-seen and hot-swaps the brain when the stored
// soul changed. Failures are logged and swallowed.
func (r *Runtime) Heartbeat(ctx context.Context) {
	if err := r.cfg.Agents.TouchAgent(ctx, r.cfg.AgentID, r.now().UTC()); err != nil {
		r.logger.Warn("heartbeat failed", "err", err)
	}

	a, err := r.cfg.Agents.GetAgent(ctx, r.cfg.AgentID)
	if err != nil {
		r.logger.Warn("refresh identity failed", "err", err)
		return
	}
	if a.Status == StatusOffline {
		if err := r.cfg.Agents.SetAgentStatus(ctx, a.ID, StatusIdle); err != nil {
			r.logger.Warn("mark agent online failed", "err", err)
		} else {
			a.Status = StatusIdle
		}
	}

	r.mu.Lock()
	changed := a.Soul != r.soul || r.self == nil || a.Provider != r.self.Provider || a.Model != r.self.Model
	r.self = a
	r.mu.Unlock()
	if !changed {
		return
	}

	b, err := r.cfg.Brains.Build(ctx, identity(a))
	if err != nil {
		r.logger.Warn("rebuild brain failed; keeping previous", "err", err)
		return
	}
	r.mu.Lock()
	r.brain = b
	r.soul = a.Soul
	r.mu.Unlock()
	r.logger.Info("soul updated; brain swapped")
}

// TaskTick advances the agent's work by one bounded step: start an assigned
// task, finish an in-progress task, or claim one from the inbox.
func (r *Runtime) TaskTick(ctx context.Context) {
	self, b := r.state()
	if self == nil || b == nil {
		return
	}

	active, err := r.cfg.Tasks.FindActive(ctx, self.OrgID, self.ID)
	if err != nil {
		r.logger.Warn("find active task failed", "err", err)
		return
	}
	if active != nil {
		switch active.Status {
		case task.StatusAssigned:
			r.startTask(ctx, self, active)
		case task.StatusInProgress:
			r.finishTask(ctx, self, b, active)
		}
		return
	}
	r.claimNext(ctx, self)
}

func (r *Runtime) startTask(ctx context.Context, self *Agent, t *task.Task) {
	if err := r.cfg.Tasks.UpdateStatus(ctx, self.OrgID, t.ID, task.StatusInProgress); err != nil {
		r.logger.Warn("start task failed", "task_id", t.ID, "err", err)
		return
	}
	r.setStatus(ctx, self, StatusWorking)
	r.logger.Info("task started", "task_id", t.ID)
}

func (r *Runtime) finishTask(ctx context.Context, self *Agent, b brain.Brain, t *task.Task) {
	desc := t.Description
	if tp := r.toolPrompt(); tp != "" {
		desc = strings.TrimSpace(desc + "\n\n" + tp)
	}
	out, err := b.Work(ctx, t.Title, desc)
	if err != nil {
		r.logger.Warn("brain work failed", "task_id", t.ID, "err", err)
		out = brain.Diagnostic("work", err)
	} else {
		out = r.runTools(ctx, self, b, nil, out)
	}
	out = r.redact(out)

	if err := r.cfg.Tasks.Complete(ctx, self.OrgID, t.ID, self.ID, out); err != nil {
		r.logger.Warn("complete task failed", "task_id", t.ID, "err", err)
		return
	}
	r.setStatus(ctx, self, StatusIdle)
	r.logger.Info("task completed", "task_id", t.ID)

	notice := &comms.Message{
		OrgID:   self.OrgID,
		Channel: comms.ChannelFor(self.TeamID),
		AgentID: self.ID,
		Kind:    comms.KindTaskCompleted,
		Content: fmt.Sprintf("%s completed task %q", self.Name, t.Title),
		TaskID:  t.ID,
	}
	if err := r.cfg.Chat.Post(ctx, notice); err != nil {
		r.logger.Warn("post completion notice failed", "task_id", t.ID, "err", err)
	}
}

// claimNext tries the first inbox task the agent is eligible for. A lost
// race is not retried until the next tick.
func (r *Runtime) claimNext(ctx context.Context, self *Agent) {
	inbox, err := r.cfg.Tasks.Inbox(ctx, self.OrgID)
	if err != nil {
		r.logger.Warn("list inbox failed", "err", err)
		return
	}
	for _, t := range inbox {
		if t.TeamID != "" && t.TeamID != self.TeamID {
			continue
		}
		ok, err := r.cfg.Tasks.Claim(ctx, self.OrgID, t.ID, self.ID)
		if err != nil {
			r.logger.Warn("claim failed", "task_id", t.ID, "err", err)
			return
		}
		if !ok {
			r.logger.Debug("claim lost", "task_id", t.ID)
			return
		}
		r.setStatus(ctx, self, StatusWorking)
		r.logger.Info("task claimed", "task_id", t.ID)
		return
	}
}

// ChatTick reads every channel of interest past its cursor and answers what
// the shield lets through.
func (r *Runtime) ChatTick(ctx context.Context) {
	self, _ := r.state()
	if self == nil {
		return
	}
	channels := []string{comms.ChannelGeneral}
	if self.TeamID != "" {
		channels = append(channels, comms.TeamChannel(self.TeamID))
	}
	if active, err := r.cfg.Tasks.FindActive(ctx, self.OrgID, self.ID); err != nil {
		r.logger.Warn("find active task failed", "err", err)
	} else if active != nil {
		channels = append(channels, comms.TaskChannel(active.ID))
	}

	for _, ch := range channels {
		r.readChannel(ctx, self, ch)
	}
}

func (r *Runtime) readChannel(ctx context.Context, self *Agent, channel string) {
	r.mu.Lock()
	cursor := r.cursors[channel]
	startedAt := r.startedAt
	r.mu.Unlock()

	// Sequence numbers can become visible out of order on a shared
	// database, so a short window behind the cursor is read again.
	from := max(cursor-seqLookback, 0)
	msgs, err := r.cfg.Chat.After(ctx, self.OrgID, channel, from, r.settings.ChatBatch+seqLookback)
	if err != nil {
		r.logger.Warn("read channel failed", "channel", channel, "err", err)
		return
	}
	defer r.pruneSeen(channel)
	for _, m := range msgs {
		// Mark first so a failing reply is never retried.
		if !r.markSeen(channel, m) {
			continue
		}

		// The log keeps millisecond timestamps.
		if m.CreatedAt.UnixMilli() < startedAt.UnixMilli() {
			continue
		}
		v := r.shield.Evaluate(self, m)
		if !v.Reply {
			r.logger.Debug("message skipped", "channel", channel, "seq", m.Seq, "reason", v.Reason)
			continue
		}
		r.reply(ctx, m)
	}
}

// markSeen records m and advances the channel cursor. It reports false
// when m was already handled.
func (r *Runtime) markSeen(channel string, m *comms.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.seen[channel]
	if ids == nil {
		ids = make(map[string]int64)
		r.seen[channel] = ids
	}
	if _, dup := ids[m.ID]; dup || m.Seq <= r.cursors[channel]-seqLookback {
		return false
	}
	ids[m.ID] = m.Seq
	if m.Seq > r.cursors[channel] {
		r.cursors[channel] = m.Seq
	}
	return true
}

func (r *Runtime) pruneSeen(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	floor := r.cursors[channel] - seqLookback
	for id, seq := range r.seen[channel] {
		if seq <= floor {
			delete(r.seen[channel], id)
		}
	}
}

// Cursor returns the last sequence number read on channel.
func (r *Runtime) Cursor(channel string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[channel]
}

func (r *Runtime) reply(ctx context.Context, m *comms.Message) {
	self, b := r.state()
	if b == nil {
		return
	}

	var roster []*Agent
	if all, err := r.cfg.Agents.ListAgents(ctx, self.OrgID); err != nil {
		r.logger.Warn("list agents failed", "err", err)
	} else {
		roster = all
	}
	names := make(map[string]string, len(roster))
	for _, a := range roster {
		names[a.ID] = a.Name
	}

	history := r.history(ctx, self, m, names)
	prompt := fmt.Sprintf("[#%s] %s: %s", m.Channel, speakerName(m.AgentID, names), m.Content)
	if tp := r.toolPrompt(); tp != "" {
		prompt = tp + "\n" + prompt
	}
	if self.IsCommander() {
		prompt = r.fleetContext(ctx, self, roster) + "\n" + prompt
	}

	text, err := b.Ask(ctx, history, prompt)
	if err != nil {
		r.logger.Warn("brain ask failed", "channel", m.Channel, "err", err)
		text = brain.Diagnostic("brain", err)
	} else {
		text = r.runTools(ctx, self, b, history, text)
	}

	// Actions run even when the reply asks to stay silent.
	actions, perrs := ParseActions(text)
	for _, pe := range perrs {
		r.logger.Warn("action block rejected", "channel", m.Channel, "err", pe)
	}
	for _, a := range actions {
		r.createFromAction(ctx, self, roster, a)
	}
	if IsSilent(text) {
		return
	}

	out := &comms.Message{
		OrgID:   self.OrgID,
		Channel: m.Channel,
		AgentID: self.ID,
		Kind:    comms.KindChat,
		Content: r.redact(text),
		TaskID:  m.TaskID,
		Depth:   m.Depth + 1,
	}
	if err := r.cfg.Chat.Post(ctx, out); err != nil {
		r.logger.Warn("post reply failed", "channel", m.Channel, "err", err)
	}
}

func (r *Runtime) history(ctx context.Context, self *Agent, m *comms.Message, names map[string]string) []brain.Turn {
	recent, err := r.cfg.Chat.Recent(ctx, self.OrgID, m.Channel, r.settings.HistoryWindow+1)
	if err != nil {
		r.logger.Warn("load history failed", "channel", m.Channel, "err", err)
		return nil
	}
	turns := make([]brain.Turn, 0, len(recent))
	for _, h := range recent {
		if h.Seq >= m.Seq {
			continue
		}
		turns = append(turns, brain.Turn{
			Speaker: speakerName(h.AgentID, names),
			Self:    h.AgentID == self.ID,
			Content: h.Content,
		})
	}
	if len(turns) > r.settings.HistoryWindow {
		turns = turns[len(turns)-r.settings.HistoryWindow:]
	}
	return turns
}

// fleetContext lists the roster and open tasks so the commander can make
// assignment decisions.
func (r *Runtime) fleetContext(ctx context.Context, self *Agent, roster []*Agent) string {
	var b strings.Builder
	b.WriteString("Fleet roster (id | name | role | team | status):\n")
	for i, a := range roster {
		if i == r.settings.RosterLimit {
			fmt.Fprintf(&b, "... and %d more\n", len(roster)-i)
			break
		}
		fmt.Fprintf(&b, "- %s | %s | %s | %s | %s\n", a.ID, a.Name, a.Role, a.TeamID, a.Status)
	}

	open, err := r.cfg.Tasks.List(ctx, task.Filter{
		OrgID:    self.OrgID,
		Statuses: []task.Status{task.StatusInbox, task.StatusAssigned, task.StatusInProgress, task.StatusBlocked, task.StatusReview},
		Limit:    r.settings.ActiveTaskLimit,
	})
	if err != nil {
		r.logger.Warn("list active tasks failed", "err", err)
	}
	b.WriteString("Active tasks (id | status | priority | assignees | title):\n")
	if len(open) == 0 {
		b.WriteString("- none\n")
	}
	for _, t := range open {
		fmt.Fprintf(&b, "- %s | %s | %s | %s | %s\n", t.ID, t.Status, t.Priority, strings.Join(t.Assignees(), ","), t.Title)
	}
	b.WriteString("To delegate, add blocks of the form:\nACTION: create_task\nTITLE: ...\nDESCRIPTION: ...\nASSIGNEE_ID: ...\nPRIORITY: low|normal|high|critical\nMISSION_ID: (optional parent task id)\n")
	fmt.Fprintf(&b, "Reply %s if nothing needs saying.\n", SilenceToken)
	return b.String()
}

func (r *Runtime) createFromAction(ctx context.Context, self *Agent, roster []*Agent, a CreateTaskAction) {
	assignee := a.AssigneeID
	for _, ag := range roster {
		if ag.ID == assignee {
			break
		}
		if strings.EqualFold(ag.Name, assignee) {
			assignee = ag.ID
			break
		}
	}
	t, err := r.cfg.Tasks.CreateAssigned(ctx, self.OrgID, task.CreateInput{
		Title:       a.Title,
		Description: a.Description,
		Priority:    a.Priority,
		ParentID:    a.MissionID,
	}, assignee)
	if err != nil {
		r.logger.Warn("create task from action failed", "assignee", a.AssigneeID, "err", err)
		return
	}
	r.logger.Info("task created from action", "task_id", t.ID, "assignee", assignee)
}

func (r *Runtime) toolPrompt() string {
	if r.cfg.Tools == nil || r.settings.MaxToolRounds == 0 {
		return ""
	}
	return r.cfg.Tools.Prompt()
}

// runTools executes fenced tool calls in reply and feeds the results back
// to the brain until it answers without tool calls, the round limit is
// reached or the loop detector stops the exchange.
func (r *Runtime) runTools(ctx context.Context, self *Agent, b brain.Brain, history []brain.Turn, reply string) string {
	if r.cfg.Tools == nil || r.settings.MaxToolRounds == 0 {
		return reply
	}
	ctx = tools.WithCaller(ctx, self.OrgID, self.ID)
	detector := tools.NewLoopDetector(tools.LoopLimits{})
	turns := append([]brain.Turn(nil), history...)

	for round := 0; round < r.settings.MaxToolRounds; round++ {
		calls, errs := tools.ParseCalls(reply)
		for _, err := range errs {
			r.logger.Warn("tool block rejected", "err", err)
		}
		if len(calls) == 0 {
			return reply
		}

		var results strings.Builder
		stop := ""
		for _, c := range calls {
			out, ok := r.cfg.Tools.Execute(ctx, c.Name, c.Args)
			detector.Record(c.Name, c.Args, out, !ok)
			fmt.Fprintf(&results, "%s result:\n%s\n", c.Name, out)
			if v, msg := detector.Check(); v == tools.Stop {
				stop = msg
				break
			}
		}
		if stop != "" {
			r.logger.Warn("tool loop stopped", "reason", stop)
			return tools.StripCalls(reply)
		}

		turns = append(turns, brain.Turn{Self: true, Content: reply})
		next, err := b.Ask(ctx, turns, "Tool results:\n"+results.String())
		if err != nil {
			r.logger.Warn("brain ask after tools failed", "err", err)
			return tools.StripCalls(reply) + "\n" + brain.Diagnostic("brain", err)
		}
		turns = append(turns, brain.Turn{Content: results.String()})
		reply = next
	}
	return tools.StripCalls(reply)
}

func (r *Runtime) setStatus(ctx context.Context, self *Agent, s Status) {
	if err := r.cfg.Agents.SetAgentStatus(ctx, self.ID, s); err != nil {
		r.logger.Warn("set agent status failed", "status", s, "err", err)
		return
	}
	r.mu.Lock()
	if r.self != nil {
		r.self.Status = s
	}
	r.mu.Unlock()
}

func (r *Runtime) redact(text string) string {
	if r.cfg.Redactor == nil {
		return text
	}
	return r.cfg.Redactor.Redact(text)
}

func identity(a *Agent) brain.Identity {
	return brain.Identity{
		AgentID:  a.ID,
		OrgID:    a.OrgID,
		Name:     a.Name,
		Role:     a.Role,
		Soul:     a.Soul,
		Provider: a.Provider,
		Model:    a.Model,
	}
}

func speakerName(agentID string, names map[string]string) string {
	if agentID == "" {
		return "operator"
	}
	if n, ok := names[agentID]; ok {
		return n
	}
	return agentID
}
