package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Call is a tool invocation embedded in model output as
//
//	```tool
//	{"name": "web_fetch", "args": {"url": "https://example.com"}}
//	```
type Call struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

var fenceRE = regexp.MustCompile("(?s)```tool[ \\t]*\\r?\\n(.*?)```")

// ParseCalls extracts every fenced tool block from text. Blocks that are not
// valid JSON or lack a name are returned as errors and skipped.
func ParseCalls(text string) ([]Call, []error) {
	var (
		calls []Call
		errs  []error
	)
	for i, m := range fenceRE.FindAllStringSubmatch(text, -1) {
		var c Call
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &c); err != nil {
			errs = append(errs, fmt.Errorf("tool block %d: %w", i+1, err))
			continue
		}
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("tool block %d: missing name", i+1))
			continue
		}
		if c.Args == nil {
			c.Args = map[string]any{}
		}
		calls = append(calls, c)
	}
	return calls, errs
}

// StripCalls removes fenced tool blocks from text.
func StripCalls(text string) string {
	return strings.TrimSpace(fenceRE.ReplaceAllString(text, ""))
}
