package agent

import (
	"testing"

	"github.com/GoCodeAlone/sortie/comms"
)

func TestShield_DepthBound(t *testing.T) {
	s := Shield{}
	scout := &Agent{ID: "a1", Name: "Scout"}

	at4 := &comms.Message{AgentID: "a2", Channel: comms.ChannelGeneral, Content: "@Scout ping", Depth: 4}
	if v := s.Evaluate(scout, at4); !v.Reply {
		t.Errorf("depth 4 mention: got %+v, want reply", v)
	}
	at5 := &comms.Message{AgentID: "a2", Channel: comms.ChannelGeneral, Content: "@Scout ping", Depth: 5}
	if v := s.Evaluate(scout, at5); v.Reply || v.Reason != "depth cap" {
		t.Errorf("depth 5 mention: got %+v, want depth cap", v)
	}
}

func TestShield_NoSelfReply(t *testing.T) {
	scout := &Agent{ID: "a1", Name: "Scout", Role: RoleCommander}
	m := &comms.Message{AgentID: "a1", Channel: "team-ops", Content: "Scout here, I need help"}
	if v := (Shield{}).Evaluate(scout, m); v.Reply {
		t.Errorf("self message: got %+v, want skip", v)
	}
}

func TestShield_TerminalPhrase(t *testing.T) {
	scout := &Agent{ID: "a1", Name: "Scout"}
	for _, content := range []string{"@Scout CASE CLOSED", "Incident Resolved, thanks @Scout"} {
		m := &comms.Message{Channel: comms.ChannelGeneral, Content: content}
		if v := (Shield{}).Evaluate(scout, m); v.Reply || v.Reason != "terminal phrase" {
			t.Errorf("%q: got %+v, want terminal phrase", content, v)
		}
	}
}

func TestShield_CompletionNotice(t *testing.T) {
	s := Shield{}
	notice := func(content string) *comms.Message {
		return &comms.Message{AgentID: "a9", Channel: "team-ops", Kind: comms.KindTaskCompleted, Content: content}
	}
	worker := &Agent{ID: "a1", Name: "Scout"}
	commander := &Agent{ID: "a2", Name: "Atlas", Role: RoleCommander}

	if v := s.Evaluate(worker, notice(`Raven completed task "sweep"`)); v.Reply {
		t.Errorf("worker on unrelated completion: got %+v, want skip", v)
	}
	if v := s.Evaluate(worker, notice(`Raven completed task "sweep", Scout take the next one`)); !v.Reply {
		t.Errorf("worker named in completion: got %+v, want reply", v)
	}
	if v := s.Evaluate(commander, notice(`Raven completed task "sweep"`)); !v.Reply || !v.Proactive {
		t.Errorf("commander on completion: got %+v, want proactive reply", v)
	}
}

func TestShield_ReplyEligibility(t *testing.T) {
	s := Shield{}
	worker := &Agent{ID: "a1", Name: "Scout"}
	commander := &Agent{ID: "a2", Name: "Atlas", Role: RoleCommander}

	tests := []struct {
		name  string
		self  *Agent
		msg   *comms.Message
		reply bool
	}{
		{"worker ignores team chatter", worker, &comms.Message{Channel: "team-ops", Content: "we need a fix for the outage"}, false},
		{"worker answers mention", worker, &comms.Message{Channel: "team-ops", Content: "scout, can you look?"}, true},
		{"commander skips chit-chat", commander, &comms.Message{Channel: "team-ops", Content: "lovely weather today"}, false},
		{"commander acts on goals", commander, &comms.Message{Channel: "team-ops", Content: "we need a fix for the outage"}, true},
		{"commander not proactive in general", commander, &comms.Message{Channel: comms.ChannelGeneral, Content: "we need a fix"}, false},
		{"mention in task channel", worker, &comms.Message{Channel: "task-t1", Content: "@Scout update?"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := s.Evaluate(tt.self, tt.msg); v.Reply != tt.reply {
				t.Errorf("got %+v, want reply=%v", v, tt.reply)
			}
		})
	}
}

func TestMentions(t *testing.T) {
	tests := []struct {
		text, name string
		want       bool
	}{
		{"@Scout status?", "Scout", true},
		{"ask SCOUT about it", "Scout", true},
		{"the scouting party left", "Scout", false},
		{"ping Night Owl please", "Night Owl", true},
		{"anything", "", false},
	}
	for _, tt := range tests {
		if got := Mentions(tt.text, tt.name); got != tt.want {
			t.Errorf("Mentions(%q, %q) = %v, want %v", tt.text, tt.name, got, tt.want)
		}
	}
}

func TestIsSilent(t *testing.T) {
	if !IsSilent("NO_REPLY") || !IsSilent("  nothing to add. NO_REPLY\n") || !IsSilent("  ") {
		t.Error("expected silence")
	}
	if IsSilent("On it.") {
		t.Error("ordinary reply reported as silent")
	}
}
