package rules

import (
	"regexp"
	"strings"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// execRule is one high-risk pattern. These are authoritative: a match blocks
// even when the rest of the command would fast-path as safe.
type execRule struct {
	re       *regexp.Regexp
	score    int
	reason   string
	category string
}

var highRiskExecRules = []execRule{
	{
		re:       regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r|--recursive\s+--force)\s+(/|~|\$HOME)\s*$`),
		score:    10,
		reason:   "Recursive forced delete of the filesystem root or home directory",
		category: "destruction",
	},
	{
		re:       regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
		score:    10,
		reason:   "Fork bomb",
		category: "destruction",
	},
	{
		re:       regexp.MustCompile(`(?i)\bdd\s+if=\S+\s+of=/dev/`),
		score:    10,
		reason:   "Raw write to a block device",
		category: "destruction",
	},
	{
		re:       regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
		score:    10,
		reason:   "Filesystem format command",
		category: "destruction",
	},
	{
		re:       regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh|python[0-9.]*|perl|ruby|node|php)\b`),
		score:    9,
		reason:   "Pipes untrusted data into an interpreter",
		category: "code-execution",
	},
	{
		re:       regexp.MustCompile(`(?i)(^|[;&|]\s*)eval\s`),
		score:    9,
		reason:   "Shell eval of dynamic input",
		category: "code-execution",
	},
	{
		re:       regexp.MustCompile(`(?i)\bbase64\s+(-d|-D|--decode)\b.*\|\s*(sh|bash|zsh)`),
		score:    9,
		reason:   "Decodes base64 and pipes it into a shell",
		category: "code-execution",
	},
	{
		re:       regexp.MustCompile(`(?i)(^|[;&|]\s*)sudo\s`),
		score:    9,
		reason:   "Privilege escalation via sudo",
		category: "privilege-escalation",
	},
	{
		re:       regexp.MustCompile(`(?i)\bnc\b[^|;]*\s-[a-z]*e[a-z]*\b`),
		score:    10,
		reason:   "Netcat with -e binds a shell to the network",
		category: "exfiltration",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;]*\|\s*(sh|bash|zsh|python[0-9.]*)`),
		score:    9,
		reason:   "Downloads a remote script and pipes it into a shell",
		category: "code-execution",
	},
	{
		re:       regexp.MustCompile(`(?i)\bpython[0-9.]*\s+-c\s+.*\bexec\s*\(`),
		score:    9,
		reason:   "python -c with dynamic exec",
		category: "code-execution",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(kill|pkill|killall)\b.*\bguardclaw\b`),
		score:    10,
		reason:   "Attempts to kill the security monitor",
		category: "tampering",
	},
}

// ncPipeTarget extracts the host argument from a `... | nc host port` tail so
// exfiltration to non-local hosts can be blocked. Go's regexp has no
// lookahead, so localhost is filtered in code.
var ncPipeTarget = regexp.MustCompile(`(?i)\|\s*(?:nc|ncat|netcat)\s+(?:-\S+\s+)*(\S+)`)

func isLocalHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// classifyExecHighRisk returns a BLOCK verdict when the command matches a
// high-risk pattern, nil otherwise.
func classifyExecHighRisk(command string) *safeguard.Verdict {
	for _, rule := range highRiskExecRules {
		if rule.re.MatchString(command) {
			v := safeguard.NewVerdict(safeguard.TierBlock, rule.score, rule.reason, rule.category, safeguard.BackendRules)
			return &v
		}
	}
	if m := ncPipeTarget.FindStringSubmatch(command); m != nil && !isLocalHost(m[1]) {
		v := safeguard.NewVerdict(safeguard.TierBlock, 9,
			"Pipes command output to nc targeting a remote host, likely exfiltration",
			"exfiltration", safeguard.BackendRules)
		return &v
	}
	return nil
}

// safeExecutables are read-only or standard dev tools whose bare invocation
// carries no risk.
var safeExecutables = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "grep": true,
	"egrep": true, "fgrep": true, "rg": true, "echo": true, "printf": true,
	"wc": true, "sort": true, "uniq": true, "pwd": true, "which": true,
	"env": true, "date": true, "whoami": true, "id": true, "hostname": true,
	"less": true, "more": true, "file": true, "stat": true, "uptime": true,
	"type": true, "true": true, "false": true, "cd": true, "diff": true,
	"tr": true, "cut": true, "ps": true, "df": true, "du": true, "lsof": true,
	"uname": true, "sed": true, "awk": true, "mkdir": true, "touch": true,
	"cp": true, "mv": true, "pgrep": true, "netstat": true, "ss": true,
	"jq": true, "yq": true, "curl": true,
}

var safeSubcommands = map[string]map[string]bool{
	"git": {
		"status": true, "log": true, "diff": true, "show": true, "branch": true,
		"fetch": true, "pull": true, "push": true, "add": true, "commit": true,
		"checkout": true, "switch": true, "merge": true, "rebase": true,
		"stash": true, "tag": true, "remote": true, "describe": true,
		"blame": true, "grep": true, "rev-parse": true, "reflog": true,
		"clone": true,
	},
	"npm":   {"install": true, "ci": true, "run": true, "test": true, "ls": true, "list": true, "view": true, "outdated": true, "audit": true, "init": true},
	"npx":   {},
	"yarn":  {"install": true, "run": true, "test": true, "build": true, "add": true, "list": true},
	"pnpm":  {"install": true, "run": true, "test": true, "build": true, "add": true, "list": true},
	"pip":   {"install": true, "list": true, "show": true, "freeze": true, "download": true, "check": true},
	"pip3":  {"install": true, "list": true, "show": true, "freeze": true, "download": true, "check": true},
	"cargo": {"build": true, "test": true, "check": true, "run": true, "fmt": true, "clippy": true, "doc": true, "tree": true, "metadata": true},
	"go":    {"build": true, "test": true, "vet": true, "run": true, "fmt": true, "mod": true, "list": true, "doc": true, "version": true, "env": true},
}

var scriptInterpreters = map[string]bool{
	"python": true, "python3": true, "node": true, "ruby": true, "perl": true,
	"bash": true, "sh": true,
}

// safeExclusions catch commands whose base executable is whitelisted but whose
// flags make them mutating or dangerous.
var safeExclusions = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bgit\s+push\b.*(\s--force\b|\s-f\b)`),
	regexp.MustCompile(`(?i)\bgit\s+rebase\b.*(\s-i\b|\s--interactive\b)`),
	regexp.MustCompile(`(?i)\bnpm\s+publish\b`),
	regexp.MustCompile(`(?i)\bsed\b[^|;]*\s-i\b`),
	regexp.MustCompile(`(?i)\bawk\b.*\bsystem\s*\(`),
	regexp.MustCompile(`(?i)\bfind\b.*(\s-exec\b|\s-delete\b)`),
}

// leadingCD strips `cd <dir> &&` prefixes so `cd repo && git status` is judged
// on the real command.
var leadingCD = regexp.MustCompile(`^\s*cd\s+[^&;|]+&&\s*`)

func stripLeadingCD(command string) string {
	for {
		stripped := leadingCD.ReplaceAllString(command, "")
		if stripped == command {
			return strings.TrimSpace(stripped)
		}
		command = stripped
	}
}

// classifyExecSafe returns a SAFE verdict when every segment of the command
// is a known read-only or standard dev invocation, nil otherwise.
func classifyExecSafe(command string) *safeguard.Verdict {
	cmd := stripLeadingCD(command)
	if cmd == "" {
		return nil
	}

	for _, excl := range safeExclusions {
		if excl.MatchString(cmd) {
			return nil
		}
	}

	// Every pipeline/sequence segment must be independently safe.
	for _, segment := range splitSegments(cmd) {
		if !segmentIsSafe(segment) {
			return nil
		}
	}

	v := safeguard.NewVerdict(safeguard.TierSafe, 1, "Read-only or standard development command", "safe-command", safeguard.BackendRules)
	return &v
}

var segmentSplit = regexp.MustCompile(`\|\|?|&&|;`)

func splitSegments(cmd string) []string {
	parts := segmentSplit.Split(cmd, -1)
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

func segmentIsSafe(segment string) bool {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return false
	}
	base := fields[0]
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}

	if allowed, ok := safeSubcommands[base]; ok {
		if len(fields) < 2 {
			// Bare `git` or `npm` just prints help.
			return true
		}
		sub := firstSubcommand(fields[1:])
		return allowed[sub]
	}

	if scriptInterpreters[base] {
		// Interpreter running a script file is safe; -c/-e inline code is not.
		if len(fields) < 2 {
			return false
		}
		arg := fields[1]
		return !strings.HasPrefix(arg, "-")
	}

	return safeExecutables[base]
}

// firstSubcommand skips option flags to find the subcommand word.
func firstSubcommand(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}
