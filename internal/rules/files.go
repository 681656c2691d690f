package rules

import (
	"regexp"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// pathRule blocks a write/edit by destination regardless of content.
type pathRule struct {
	re     *regexp.Regexp
	reason string
}

var blockedWritePaths = []pathRule{
	{regexp.MustCompile(`(^|/)\.(bashrc|zshrc|bash_profile|zprofile|zshenv|profile|bash_login)$`), "Writes to a shell startup file"},
	{regexp.MustCompile(`/\.ssh(/|$)`), "Writes into the SSH directory"},
	{regexp.MustCompile(`/\.aws(/|$)`), "Writes into the AWS credentials directory"},
	{regexp.MustCompile(`/\.gnupg(/|$)`), "Writes into the GnuPG directory"},
	{regexp.MustCompile(`(^|/)crontab$|/etc/cron`), "Modifies scheduled jobs"},
	{regexp.MustCompile(`/Library/Launch(Agents|Daemons)/`), "Installs a macOS launch agent"},
	{regexp.MustCompile(`/\.git/hooks/`), "Installs a git hook"},
	{regexp.MustCompile(`^/(usr/)?s?bin/|^/usr/local/s?bin/`), "Writes to a system binary directory"},
	{regexp.MustCompile(`^/etc/(passwd|shadow|sudoers)`), "Modifies system account files"},
}

// secretPattern is a high-confidence credential or RCE idiom in file content.
type secretPattern struct {
	Name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"anthropic-api-key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}`)},
	{"openai-api-key", regexp.MustCompile(`\bsk-(proj-)?[A-Za-z0-9]{20,}`)},
	{"github-token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`)},
	{"slack-token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`)},
	{"stripe-key", regexp.MustCompile(`\b[sr]k_live_[A-Za-z0-9]{20,}`)},
	{"sendgrid-key", regexp.MustCompile(`\bSG\.[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{43}`)},
	{"google-api-key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`)},
	{"aws-access-key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}`)},
	{"private-key", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY-----`)},
	{"certificate", regexp.MustCompile(`-----BEGIN CERTIFICATE-----`)},
}

var rcePatterns = []secretPattern{
	{"curl-pipe-shell", regexp.MustCompile(`(?i)\b(curl|wget)\b[^|\n]*\|\s*(ba)?sh\b`)},
	{"eval-base64", regexp.MustCompile(`(?i)\beval\s*\(\s*base64`)},
	{"reverse-shell", regexp.MustCompile(`(?i)\b(bash|sh)\s+-i\s+>&\s*/dev/tcp/`)},
}

// ScanContent reports the names of credential or RCE patterns found in
// content. Used both by the write/edit rule path and by the post-tool-use
// hook's output scanning.
func ScanContent(content string) []string {
	var found []string
	for _, p := range secretPatterns {
		if p.re.MatchString(content) {
			found = append(found, p.Name)
		}
	}
	for _, p := range rcePatterns {
		if p.re.MatchString(content) {
			found = append(found, p.Name)
		}
	}
	return found
}

// classifyFileWrite applies the path and content block tables to a write or
// edit action. Returns nil when neither table decides.
func classifyFileWrite(action safeguard.Action) *safeguard.Verdict {
	path := action.Path()
	for _, rule := range blockedWritePaths {
		if rule.re.MatchString(path) {
			v := safeguard.NewVerdict(safeguard.TierBlock, 9, rule.reason, "sensitive-path", safeguard.BackendRules)
			return &v
		}
	}

	content := action.StringParam("content")
	if content == "" {
		content = action.StringParam("new_string")
	}
	if content != "" {
		if found := ScanContent(content); len(found) > 0 {
			v := safeguard.NewVerdict(safeguard.TierBlock, 9,
				"Content contains a high-confidence secret or remote-code-execution idiom ("+found[0]+")",
				"secret-in-content", safeguard.BackendRules)
			return &v
		}
	}

	return nil
}
