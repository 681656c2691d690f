// Package memory persists user approve/deny decisions and generalizes tool
// calls into patterns so prior human judgment can short-circuit or bias
// future classifications.
package memory

import (
	"path"
	"regexp"
	"strings"
)

// Sensitive directory segments survive wildcarding so a pattern learned on
// an innocuous path can never cover a credentials path.
var sensitiveDirs = map[string]bool{
	".ssh":    true,
	".env":    true,
	".config": true,
	".gnupg":  true,
	".aws":    true,
}

// Sensitive leaf filenames are likewise retained verbatim.
var sensitiveFiles = map[string]bool{
	"authorized_keys": true,
	"id_rsa":          true,
	"id_ed25519":      true,
	".bashrc":         true,
	".zshrc":          true,
	".env":            true,
}

var (
	homeDirRe = regexp.MustCompile(`(/Users|/home)/[^/\s"']+`)
	uuidRe    = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	hexRe     = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
	isoDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?\b`)
	epochRe   = regexp.MustCompile(`\b\d{10,13}\b`)
	urlRe     = regexp.MustCompile(`\b(https?|ftp)://([^/\s"']+)(/\S*)?`)

	gitBranchRe = regexp.MustCompile(`\b(git\s+(?:push|pull|checkout|switch|merge|rebase)(?:\s+--?[\w-]+)*(?:\s+\S+)?)\s+(?:\S+)`)
	gitMsgRe    = regexp.MustCompile(`(-m|--message)\s+("[^"]*"|'[^']*'|\S+)`)
	cdRe        = regexp.MustCompile(`\bcd\s+[^\s&;|]+`)
)

// Pattern normalizes a raw command or params string into the canonical
// generalized form, qualified by tool: functionally-equivalent calls collapse
// to one pattern, but sensitive paths never collapse with ordinary ones.
func Pattern(tool, commandStr string) string {
	return tool + ":" + Normalize(tool, commandStr)
}

// Normalize is the tool-unqualified generalization.
func Normalize(tool, commandStr string) string {
	s := strings.TrimSpace(commandStr)
	s = scrubIdentifiers(s)

	switch tool {
	case "exec":
		s = normalizeExec(s)
	case "read", "write", "edit":
		s = normalizeFilePath(s)
	}
	return s
}

func scrubIdentifiers(s string) string {
	s = homeDirRe.ReplaceAllString(s, "~")
	s = uuidRe.ReplaceAllString(s, "<uuid>")
	s = hexRe.ReplaceAllString(s, "<hash>")
	s = isoDateRe.ReplaceAllString(s, "<date>")
	s = epochRe.ReplaceAllString(s, "<timestamp>")
	return s
}

func normalizeExec(s string) string {
	s = cdRe.ReplaceAllString(s, "cd *")

	if strings.Contains(s, "git ") {
		s = gitMsgRe.ReplaceAllString(s, `$1 "*"`)
		s = gitBranchRe.ReplaceAllString(s, "$1 *")
	}

	if strings.Contains(s, "curl") || strings.Contains(s, "wget") {
		s = urlRe.ReplaceAllString(s, "$1://$2/*")
	}

	// Generalize path-like tokens, preserving sensitive segments.
	fields := strings.Fields(s)
	for i, f := range fields {
		if strings.HasPrefix(f, "~/") || strings.HasPrefix(f, "/") {
			fields[i] = generalizePath(f)
		} else if strings.HasPrefix(f, "@~/") || strings.HasPrefix(f, "@/") {
			// curl -d @file style
			fields[i] = "@" + generalizePath(f[1:])
		}
	}
	return strings.Join(fields, " ")
}

// generalizePath reduces a path to ~/first/*/leaf, except that sensitive
// directory segments and sensitive leaf filenames are retained so e.g.
// `cat ~/.ssh/id_rsa` never shares a pattern with `cat ~/projects/file`.
func generalizePath(p string) string {
	prefix := ""
	rest := p
	switch {
	case strings.HasPrefix(p, "~/"):
		prefix, rest = "~/", p[2:]
	case strings.HasPrefix(p, "/"):
		prefix, rest = "/", p[1:]
	}
	if rest == "" {
		return p
	}

	segments := strings.Split(rest, "/")
	leaf := segments[len(segments)-1]
	dirs := segments[:len(segments)-1]

	hasSensitive := false
	for _, seg := range segments {
		if sensitiveDirs[seg] {
			hasSensitive = true
			break
		}
	}

	if hasSensitive {
		// Keep sensitive segments, wildcard the rest; the leaf survives only
		// when it is itself a sensitive filename.
		out := make([]string, 0, len(segments))
		for _, seg := range dirs {
			if sensitiveDirs[seg] || seg == "*" {
				out = append(out, seg)
			} else {
				out = append(out, "*")
			}
		}
		if sensitiveFiles[leaf] || sensitiveDirs[leaf] || leaf == "*" {
			out = append(out, leaf)
		} else {
			out = append(out, "*")
		}
		return prefix + strings.Join(compactWildcards(out), "/")
	}

	if sensitiveFiles[leaf] {
		out := make([]string, 0, len(dirs)+1)
		for range dirs {
			out = append(out, "*")
		}
		out = append(out, leaf)
		return prefix + strings.Join(compactWildcards(out), "/")
	}

	switch len(segments) {
	case 1, 2:
		return p
	default:
		return prefix + segments[0] + "/*/" + leaf
	}
}

// compactWildcards collapses runs of "*" segments so repeated normalization
// is idempotent.
func compactWildcards(segments []string) []string {
	out := segments[:0]
	for _, seg := range segments {
		if seg == "*" && len(out) > 0 && out[len(out)-1] == "*" {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// normalizeFilePath reduces a read/write/edit target to /*.ext when the leaf
// has an extension, keeping sensitive paths in their generalized long form.
func normalizeFilePath(s string) string {
	leaf := path.Base(s)
	for _, seg := range strings.Split(strings.TrimPrefix(s, "~/"), "/") {
		if sensitiveDirs[seg] {
			return generalizePath(s)
		}
	}
	if sensitiveFiles[leaf] {
		return generalizePath(s)
	}
	if ext := path.Ext(leaf); ext != "" && ext != leaf {
		return "/*" + ext
	}
	return s
}
