package judge

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/guardclaw/guardclaw/internal/safeguard"
	"github.com/guardclaw/guardclaw/internal/telemetry"
)

// Small models sometimes justify a BLOCK with a danger phrase that appears
// nowhere in the actual command. Each entry pairs the phrase a hallucinating
// model cites with the substrings that would make the citation real.
var hallucinationChecks = []struct {
	cited    string
	evidence []string
}{
	{"rm -rf /", []string{"rm -rf /", "rm -fr /"}},
	{"fork bomb", []string{":(){", "fork"}},
	{"dd if=", []string{"dd "}},
	{"| bash", []string{"| bash", "|bash", "| sh", "|sh"}},
}

// GuardHallucination downgrades a BLOCK verdict to WARNING when its reason
// cites a dangerous construct the command does not contain. Only exec calls
// are checked: file and message tools have no command line to compare against.
func GuardHallucination(v safeguard.Verdict, action safeguard.Action) safeguard.Verdict {
	if v.Tier != safeguard.TierBlock || action.Tool != safeguard.ToolExec {
		return v
	}

	command := strings.ToLower(action.StringParam("command"))
	reason := strings.ToLower(v.Reason)

	for _, check := range hallucinationChecks {
		if !strings.Contains(reason, check.cited) {
			continue
		}
		if containsAny(command, check.evidence) {
			continue
		}
		log.Warn().
			Str("command", action.StringParam("command")).
			Str("cited", check.cited).
			Str("reason", v.Reason).
			Msg("Downgrading BLOCK: reason cites construct absent from command")
		telemetry.Hallucinations.Inc()

		down := v.Rescore(safeguard.WarningScoreMax)
		down.Warnings = append(down.Warnings,
			"verdict downgraded from BLOCK: reasoning cited '"+check.cited+"' which is not present in the command")
		return down
	}
	return v
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
