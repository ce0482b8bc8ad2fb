package tools

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Verdict is the outcome of a loop check.
type Verdict int

const (
	// Continue means no loop pattern was found.
	Continue Verdict = iota
	// Warn means a loop pattern is forming.
	Warn
	// Stop means the calls are looping and the round should end.
	Stop
)

// LoopLimits configures the LoopDetector. Zero values take defaults.
type LoopLimits struct {
	Repeats    int // identical consecutive calls (default 3)
	Errors     int // identical call returning the same error (default 2)
	NoProgress int // identical call returning the same result (default 3)
}

type invocation struct {
	name   string
	args   string
	result string
	failed bool
}

// LoopDetector watches the tool calls of one conversation for runaway
// repetition.
type LoopDetector struct {
	limits  LoopLimits
	history []invocation
}

// NewLoopDetector creates a LoopDetector.
func NewLoopDetector(limits LoopLimits) *LoopDetector {
	if limits.Repeats <= 0 {
		limits.Repeats = 3
	}
	if limits.Errors <= 0 {
		limits.Errors = 2
	}
	if limits.NoProgress <= 0 {
		limits.NoProgress = 3
	}
	return &LoopDetector{limits: limits}
}

// Record adds an invocation to the history.
func (d *LoopDetector) Record(name string, args map[string]any, result string, failed bool) {
	b, _ := json.Marshal(args)
	d.history = append(d.history, invocation{
		name:   name,
		args:   digest(string(b)),
		result: digest(result),
		failed: failed,
	})
}

// Check inspects the history. Repeated errors and stalled results stop the
// round before plain repetition is considered.
func (d *LoopDetector) Check() (Verdict, string) {
	n := len(d.history)
	if n == 0 {
		return Continue, ""
	}
	last := d.history[n-1]

	same := 0
	for _, h := range d.history {
		if h.name == last.name && h.args == last.args && h.result == last.result && h.failed == last.failed {
			same++
		}
	}
	if last.failed && same >= d.limits.Errors {
		return Stop, fmt.Sprintf("tool %q failed the same way %d times", last.name, same)
	}
	if !last.failed && same >= d.limits.NoProgress {
		return Stop, fmt.Sprintf("tool %q returned identical results %d times", last.name, same)
	}

	run := 1
	for i := n - 2; i >= 0 && d.history[i].name == last.name && d.history[i].args == last.args; i-- {
		run++
	}
	switch {
	case run >= d.limits.Repeats:
		return Stop, fmt.Sprintf("tool %q called with the same arguments %d times in a row", last.name, run)
	case run == d.limits.Repeats-1:
		return Warn, fmt.Sprintf("tool %q repeated %d times in a row", last.name, run)
	}
	return Continue, ""
}

// Reset clears the history.
func (d *LoopDetector) Reset() {
	d.history = d.history[:0]
}

func digest(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}
