package memory

import (
	"testing"
)

func TestPatternGitBranchesCollapse(t *testing.T) {
	a := Pattern("exec", "git push origin feature-foo")
	b := Pattern("exec", "git push origin feature-bar")
	if a != b {
		t.Fatalf("expected branch names to collapse: %q vs %q", a, b)
	}
	c := Pattern("exec", "git push origin main")
	if a != c {
		t.Fatalf("expected all push targets to share a pattern: %q vs %q", a, c)
	}
}

func TestPatternGitCommitMessage(t *testing.T) {
	a := Pattern("exec", `git commit -m "fix the parser"`)
	b := Pattern("exec", `git commit -m "add tests"`)
	if a != b {
		t.Fatalf("expected commit messages to collapse: %q vs %q", a, b)
	}
}

func TestPatternSensitivePathsDoNotCollapse(t *testing.T) {
	secret := Pattern("exec", "cat /Users/alice/.ssh/id_rsa")
	plain := Pattern("exec", "cat /Users/alice/projects/file")
	if secret == plain {
		t.Fatalf("sensitive path must not share a pattern with a plain path: %q", secret)
	}
	if secret != "exec:cat ~/.ssh/id_rsa" {
		t.Fatalf("expected sensitive path retained, got %q", secret)
	}
}

func TestPatternHomeDirectories(t *testing.T) {
	a := Pattern("exec", "cat /Users/alice/notes.txt")
	b := Pattern("exec", "cat /home/bob/notes.txt")
	if a != b {
		t.Fatalf("expected home dirs to normalize identically: %q vs %q", a, b)
	}
}

func TestPatternIdentifierScrubbing(t *testing.T) {
	tests := []struct{ in, want string }{
		{"echo 550e8400-e29b-41d4-a716-446655440000", "echo <uuid>"},
		{"echo d41d8cd98f00b204e9800998ecf8427ed41d8cd9", "echo <hash>"},
		{"echo 1700000000", "echo <timestamp>"},
		{"echo 2024-06-01", "echo <date>"},
	}
	for _, tt := range tests {
		if got := Normalize("exec", tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPatternCurlURL(t *testing.T) {
	a := Normalize("exec", "curl https://api.example.com/v1/items/42")
	if a != "curl https://api.example.com/*" {
		t.Fatalf("expected host retained and path wildcarded, got %q", a)
	}
}

func TestPatternCD(t *testing.T) {
	a := Normalize("exec", "cd /tmp/foo")
	if a != "cd *" {
		t.Fatalf("expected cd target wildcarded, got %q", a)
	}
}

func TestPatternFileToolExtension(t *testing.T) {
	if got := Normalize("write", "/Users/alice/project/main.go"); got != "/*.go" {
		t.Fatalf("expected extension reduction, got %q", got)
	}
	if got := Normalize("read", "/home/bob/.ssh/authorized_keys"); got != "~/.ssh/authorized_keys" {
		t.Fatalf("expected sensitive read path retained, got %q", got)
	}
}

func TestPatternIdempotent(t *testing.T) {
	inputs := []struct{ tool, cmd string }{
		{"exec", "git push origin feature-foo"},
		{"exec", "cat /Users/alice/.ssh/id_rsa"},
		{"exec", "curl https://api.example.com/v1/items"},
		{"exec", "cd /tmp && ls"},
		{"exec", "cat ~/projects/app/src/deep/file.txt"},
		{"write", "/Users/alice/project/main.go"},
		{"read", "/home/bob/.ssh/known_hosts"},
	}
	for _, in := range inputs {
		once := Normalize(in.tool, in.cmd)
		twice := Normalize(in.tool, once)
		if once != twice {
			t.Fatalf("normalization not idempotent for %q: %q -> %q", in.cmd, once, twice)
		}
	}
}
