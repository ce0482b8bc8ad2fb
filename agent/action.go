package agent

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/sortie/task"
)

// ActionMarker opens an action block in a brain reply.
const ActionMarker = "ACTION:"

// ActionCreateTask is the only action the runtime executes.
const ActionCreateTask = "create_task"

// CreateTaskAction is a parsed create_task block:
//
//	ACTION: create_task
//	TITLE: Rotate the staging certificates
//	DESCRIPTION: The current ones expire Friday.
//	ASSIGNEE_ID: 5c1e...
//	PRIORITY: high
//	MISSION_ID: 9a0b...
//
// Keys are case-insensitive, one per line. TITLE, DESCRIPTION and
// ASSIGNEE_ID are required; PRIORITY defaults to normal and MISSION_ID
// links the new task to a parent mission. Lines that are not KEY: value
// pairs are ignored. A block ends at the next ACTION: line or the end of the
// reply.
type CreateTaskAction struct {
	Title       string
	Description string
	AssigneeID  string
	Priority    task.Priority
	MissionID   string
}

// ParseError describes a rejected action block.
type ParseError struct {
	Block  int // 1-based position among the reply's action blocks
	Action string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("action block %d (%s): %s", e.Block, e.Action, e.Reason)
}

// ParseActions extracts create_task actions from text. Blocks that are
// incomplete or name another action are returned as ParseErrors.
func ParseActions(text string) ([]CreateTaskAction, []*ParseError) {
	var (
		actions []CreateTaskAction
		errs    []*ParseError
		block   int
		name    string
		fields  map[string]string
	)

	flush := func() {
		if fields == nil {
			return
		}
		a, err := buildCreateTask(block, name, fields)
		if err != nil {
			errs = append(errs, err)
		} else {
			actions = append(actions, a)
		}
		fields = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, ActionMarker); ok {
			flush()
			block++
			name = strings.TrimSpace(after)
			fields = make(map[string]string)
			continue
		}
		if fields == nil {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		switch key {
		case "TITLE", "DESCRIPTION", "ASSIGNEE_ID", "PRIORITY", "MISSION_ID":
			if _, seen := fields[key]; !seen {
				fields[key] = strings.TrimSpace(value)
			}
		}
	}
	flush()
	return actions, errs
}

func buildCreateTask(block int, name string, f map[string]string) (CreateTaskAction, *ParseError) {
	fail := func(reason string) (CreateTaskAction, *ParseError) {
		return CreateTaskAction{}, &ParseError{Block: block, Action: name, Reason: reason}
	}
	if name != ActionCreateTask {
		return fail("unsupported action")
	}
	var missing []string
	for _, k := range []string{"TITLE", "DESCRIPTION", "ASSIGNEE_ID"} {
		if f[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fail("missing " + strings.Join(missing, ", "))
	}
	prio := task.PriorityNormal
	if raw := f["PRIORITY"]; raw != "" {
		p, ok := task.ParsePriority(raw)
		if !ok {
			return fail(fmt.Sprintf("unknown priority %q", raw))
		}
		prio = p
	}
	return CreateTaskAction{
		Title:       f["TITLE"],
		Description: f["DESCRIPTION"],
		AssigneeID:  f["ASSIGNEE_ID"],
		Priority:    prio,
		MissionID:   f["MISSION_ID"],
	}, nil
}
