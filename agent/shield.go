package agent

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/GoCodeAlone/sortie/comms"
)

// DefaultMaxDepth is the depth at which agents stop replying.
const DefaultMaxDepth = 5

// SilenceToken in a brain reply means no message should be posted.
const SilenceToken = "NO_REPLY"

// terminalPhrases end a conversation; nothing containing them is answered.
var terminalPhrases = []string{"case closed", "incident resolved"}

// goalWords mark chatter the commander should act on without being named.
var goalWords = []string{
	"task", "mission", "assign", "deploy", "fix", "investigate", "incident",
	"outage", "blocked", "urgent", "priority", "plan", "need", "help",
	"build", "review", "approve", "broken", "failing", "down",
}

// Verdict is the loop shield's decision on one message.
type Verdict struct {
	Reply     bool
	Proactive bool   // replying without being mentioned
	Reason    string // why the message is skipped, or "mentioned"/"proactive"
}

// Shield applies the reply rules in order: self-filter, depth cap,
// terminal phrases, completion-notice filter, then reply eligibility.
type Shield struct {
	MaxDepth int
}

// Evaluate decides whether self should answer m.
func (s Shield) Evaluate(self *Agent, m *comms.Message) Verdict {
	maxDepth := s.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if m.AgentID != "" && m.AgentID == self.ID {
		return Verdict{Reason: "own message"}
	}
	if m.Depth >= maxDepth {
		return Verdict{Reason: "depth cap"}
	}
	folded := fold(m.Content)
	for _, p := range terminalPhrases {
		if strings.Contains(folded, p) {
			return Verdict{Reason: "terminal phrase"}
		}
	}
	mentioned := Mentions(m.Content, self.Name)
	if m.Kind == comms.KindTaskCompleted && !mentioned && !self.IsCommander() {
		return Verdict{Reason: "completion notice"}
	}
	if mentioned {
		return Verdict{Reply: true, Reason: "mentioned"}
	}
	if !comms.IsTeamChannel(m.Channel) || !self.IsCommander() {
		return Verdict{Reason: "not addressed"}
	}
	if !GoalIntent(m.Content) {
		return Verdict{Reason: "no goal intent"}
	}
	return Verdict{Reply: true, Proactive: true, Reason: "proactive"}
}

// Mentions reports whether text names the agent as a whole word, with or
// without a leading @, ignoring case.
func Mentions(text, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	hay, needle := []rune(fold(text)), []rune(fold(name))
	for i := 0; i+len(needle) <= len(hay); i++ {
		if string(hay[i:i+len(needle)]) != string(needle) {
			continue
		}
		before := i == 0 || !isWordRune(hay[i-1])
		after := i+len(needle) == len(hay) || !isWordRune(hay[i+len(needle)])
		if before && after {
			return true
		}
	}
	return false
}

// GoalIntent is a keyword check for messages that ask for work.
func GoalIntent(text string) bool {
	words := strings.FieldsFunc(fold(text), func(r rune) bool { return !isWordRune(r) })
	for _, w := range words {
		for _, g := range goalWords {
			if w == g || strings.HasPrefix(w, g) && len(w) <= len(g)+3 {
				return true
			}
		}
	}
	return false
}

// IsSilent reports whether a brain reply asks for no message to be posted.
func IsSilent(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	return trimmed == "" || strings.Contains(trimmed, SilenceToken)
}

func fold(s string) string {
	// Casers hold state, so each call gets its own.
	return cases.Fold().String(s)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}
