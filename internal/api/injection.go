package api

import "regexp"

// injectionPatterns flag user turns that look like prompt-injection payloads
// rather than requests: instruction overrides, fake system/XML framing, and
// jailbreak personas. A match emits a security event; it never blocks the
// turn, since false positives on security-themed discussion are common.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"instruction-override", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules)`)},
	{"instruction-override", regexp.MustCompile(`(?i)\byour?\s+(new|real|true)\s+instructions\s+are\b`)},
	{"role-reassignment", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|in)\b`)},
	{"xml-injection", regexp.MustCompile(`(?i)</?(system|instructions|chain_history|assistant)>`)},
	{"jailbreak-persona", regexp.MustCompile(`(?i)\b(DAN|do\s+anything\s+now)\b`)},
	{"jailbreak-persona", regexp.MustCompile(`(?i)\bdeveloper\s+mode\s+(enabled|activated)\b`)},
}

// scanPromptInjection returns the name of the first matching injection
// pattern, or "" when the prompt looks clean.
func scanPromptInjection(prompt string) string {
	for _, p := range injectionPatterns {
		if p.re.MatchString(prompt) {
			return p.name
		}
	}
	return ""
}
