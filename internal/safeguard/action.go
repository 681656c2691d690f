// Package safeguard defines the shared vocabulary of the decision pipeline:
// the Action describing one proposed tool call and the three-tier Verdict
// every classifier layer produces.
package safeguard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Known tool tags. Params are per-tool; the tag is the dispatch key for the
// rule tables and the prompt builder.
const (
	ToolExec          = "exec"
	ToolRead          = "read"
	ToolWrite         = "write"
	ToolEdit          = "edit"
	ToolWebFetch      = "web_fetch"
	ToolWebSearch     = "web_search"
	ToolMessage       = "message"
	ToolBrowser       = "browser"
	ToolCanvas        = "canvas"
	ToolSessionsSpawn = "sessions_spawn"
	ToolSessionsSend  = "sessions_send"
	ToolProcess       = "process"
)

// Action is an immutable description of one proposed tool call.
type Action struct {
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
	SessionKey string         `json:"sessionKey"`
	Summary    string         `json:"summary"`
}

// NewAction builds an Action, deriving a one-line summary when none is given.
func NewAction(tool string, params map[string]any, sessionKey string) Action {
	a := Action{Tool: tool, Params: params, SessionKey: sessionKey}
	a.Summary = a.describe()
	return a
}

// CommandString returns the raw parameter fingerprint for the action: the
// command line for exec, the path for file tools, otherwise the params
// serialized with sorted keys.
func (a Action) CommandString() string {
	switch a.Tool {
	case ToolExec:
		if cmd := a.StringParam("command"); cmd != "" {
			return cmd
		}
	case ToolRead, ToolWrite, ToolEdit:
		if p := a.Path(); p != "" {
			return p
		}
	}
	return a.sortedParamsJSON()
}

// Path returns the file path param for file tools, accepting the common
// aliases used by different agent hosts.
func (a Action) Path() string {
	for _, key := range []string{"file_path", "path", "filePath"} {
		if v := a.StringParam(key); v != "" {
			return v
		}
	}
	return ""
}

// StringParam returns a string-typed param, or "" when absent or non-string.
func (a Action) StringParam(key string) string {
	if v, ok := a.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Fingerprint is the stable identity of the action's content: the tool tag
// plus params serialized with sorted keys. Used as the result-cache key.
func (a Action) Fingerprint() string {
	return a.Tool + ":" + a.sortedParamsJSON()
}

// HotKey scopes the fingerprint to the originating session. The synchronous
// hook path and the streaming path see the same call with the same session,
// so this is the dedup-cache key shared between them.
func (a Action) HotKey() string {
	return a.SessionKey + "|" + a.Fingerprint()
}

// sortedParamsJSON serializes params deterministically. encoding/json already
// emits map keys in sorted order, which is the property the fingerprint needs.
func (a Action) sortedParamsJSON() string {
	if len(a.Params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(a.Params)
	if err != nil {
		// Fall back to a key listing so unmarshalable values still fingerprint.
		keys := make([]string, 0, len(a.Params))
		for k := range a.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "{" + strings.Join(keys, ",") + "}"
	}
	return string(data)
}

func (a Action) describe() string {
	switch a.Tool {
	case ToolExec:
		return truncate(fmt.Sprintf("exec: %s", a.StringParam("command")), 120)
	case ToolRead, ToolWrite, ToolEdit:
		return truncate(fmt.Sprintf("%s: %s", a.Tool, a.Path()), 120)
	case ToolWebFetch:
		return truncate(fmt.Sprintf("web_fetch: %s", a.StringParam("url")), 120)
	default:
		return truncate(fmt.Sprintf("%s: %s", a.Tool, a.sortedParamsJSON()), 120)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ExitTools is the set of tools that can carry data off the machine. Chain
// context is only assembled for these.
var ExitTools = map[string]bool{
	ToolExec:          true,
	ToolMessage:       true,
	ToolSessionsSend:  true,
	ToolSessionsSpawn: true,
}

// DangerousTools is the set of tool tags denied while unhealthy in
// fail-closed mode.
var DangerousTools = map[string]bool{
	ToolExec:          true,
	ToolWrite:         true,
	ToolEdit:          true,
	ToolMessage:       true,
	ToolSessionsSpawn: true,
}
