package safeguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreBands(t *testing.T) {
	assert.Equal(t, TierSafe, TierForScore(1))
	assert.Equal(t, TierSafe, TierForScore(2))
	assert.Equal(t, TierWarning, TierForScore(3))
	assert.Equal(t, TierWarning, TierForScore(7))
	assert.Equal(t, TierBlock, TierForScore(8))
	assert.Equal(t, TierBlock, TierForScore(10))
}

func TestNewVerdictEnforcesInvariants(t *testing.T) {
	// Score clamped into the tier's band.
	v := NewVerdict(TierSafe, 9, "r", "", BackendRules)
	assert.Equal(t, 2, v.Score)
	assert.True(t, v.Allowed)

	v = NewVerdict(TierBlock, 1, "r", "", BackendRules)
	assert.Equal(t, 8, v.Score)
	assert.False(t, v.Allowed)

	// Allowed follows the tier, never the score.
	for score := 1; score <= 10; score++ {
		tier := TierForScore(score)
		v := NewVerdict(tier, score, "r", "", BackendRules)
		assert.Equal(t, tier != TierBlock, v.Allowed, "score %d", score)
		assert.Equal(t, score, v.Score)
	}
}

func TestRescoreRebands(t *testing.T) {
	v := NewVerdict(TierWarning, 7, "r", "", "llm:m")

	down := v.Rescore(4)
	assert.Equal(t, TierWarning, down.Tier)
	assert.True(t, down.Allowed)

	up := v.Rescore(9)
	assert.Equal(t, TierBlock, up.Tier)
	assert.False(t, up.Allowed)

	floor := v.Rescore(-2)
	assert.Equal(t, 1, floor.Score)
	assert.Equal(t, TierSafe, floor.Tier)
}

func TestFingerprintStability(t *testing.T) {
	a := NewAction(ToolExec, map[string]any{"command": "ls", "cwd": "/tmp"}, "s1")
	b := NewAction(ToolExec, map[string]any{"cwd": "/tmp", "command": "ls"}, "s2")

	// Key order must not matter; the session must not leak into the
	// content fingerprint but must scope the hot key.
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.HotKey(), b.HotKey())
}

func TestCommandString(t *testing.T) {
	exec := NewAction(ToolExec, map[string]any{"command": "git status"}, "s1")
	assert.Equal(t, "git status", exec.CommandString())

	write := NewAction(ToolWrite, map[string]any{"file_path": "/tmp/a.go", "content": "x"}, "s1")
	assert.Equal(t, "/tmp/a.go", write.CommandString())

	msg := NewAction(ToolMessage, map[string]any{"text": "hi"}, "s1")
	assert.Equal(t, `{"text":"hi"}`, msg.CommandString())
}
