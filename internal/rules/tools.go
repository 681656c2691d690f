package rules

import (
	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// readOnlyTools cannot mutate state or move data off the machine, so their
// invocations are unconditionally safe.
var readOnlyTools = map[string]bool{
	"read":            true,
	"web_search":      true,
	"web_fetch":       true,
	"memory_search":   true,
	"memory_get":      true,
	"session_status":  true,
	"sessions_list":   true,
	"session_history": true,
	"image":           true,
	"tts":             true,
	"process":         true,
}

// classifyTool applies the tool-tag whitelist. canvas is safe except for its
// eval action, which runs arbitrary JavaScript and goes to the judge.
func classifyTool(action safeguard.Action) *safeguard.Verdict {
	if readOnlyTools[action.Tool] {
		v := safeguard.NewVerdict(safeguard.TierSafe, 1, "Read-only tool", "safe-tool", safeguard.BackendRules)
		return &v
	}
	if action.Tool == safeguard.ToolCanvas && action.StringParam("action") != "eval" {
		v := safeguard.NewVerdict(safeguard.TierSafe, 1, "Canvas rendering without code evaluation", "safe-tool", safeguard.BackendRules)
		return &v
	}
	return nil
}
