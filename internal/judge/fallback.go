package judge

import (
	"regexp"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// fallbackRules are the deterministic patterns applied when the judge backend
// is unreachable or unparseable. Deliberately narrower than the rule engine's
// high-risk set: anything those rules catch never reaches the judge at all, so
// this layer only needs to keep the worst misses blocked while everything
// else degrades to a cautious WARNING.
var fallbackRules = []struct {
	re     *regexp.Regexp
	score  int
	reason string
}{
	{regexp.MustCompile(`rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`), 8, "recursive or forced delete"},
	{regexp.MustCompile(`\bsudo\b`), 9, "privilege escalation"},
	{regexp.MustCompile(`(curl|wget)[^|;]*\|\s*(sh|bash|zsh)\b`), 10, "download piped into a shell"},
	{regexp.MustCompile(`base64\s+(-d|--decode)[^|;]*\|`), 9, "decoded payload piped to an interpreter"},
	{regexp.MustCompile(`\bchmod\s+[0-7]*7[0-7]*\s`), 8, "world-writable permission change"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]`), 10, "raw disk write"},
	{regexp.MustCompile(`/dev/tcp/`), 10, "reverse shell"},
	{regexp.MustCompile(`\bssh\b.*@`), 8, "outbound ssh session"},
}

// Fallback classifies an action without the model. Exec commands run through
// the pattern table; everything else gets the conservative default. The
// default is WARNING score 6, never SAFE: with no judge available we refuse
// to wave anything through silently.
func Fallback(action safeguard.Action) safeguard.Verdict {
	if action.Tool == safeguard.ToolExec {
		command := action.StringParam("command")
		for _, rule := range fallbackRules {
			if rule.re.MatchString(command) {
				tier := safeguard.TierForScore(rule.score)
				v := safeguard.NewVerdict(tier, rule.score, rule.reason+" (judge unavailable)", "fallback", safeguard.BackendFallback)
				return v
			}
		}
	}
	return safeguard.NewVerdict(safeguard.TierWarning, 6,
		"judge unavailable, defaulting to caution", "fallback", safeguard.BackendFallback)
}
