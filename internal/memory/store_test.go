package memory

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndLookup(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 4; i++ {
		if err := s.RecordDecision("exec", "git push origin main", 5, DecisionApprove, "s1"); err != nil {
			t.Fatalf("RecordDecision: %v", err)
		}
	}

	res, err := s.Lookup("exec", "git push origin feature-branch")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !res.Found {
		t.Fatalf("expected pattern found for equivalent command")
	}
	if res.ApproveCount != 4 || res.DenyCount != 0 {
		t.Fatalf("expected 4 approvals, got A=%d D=%d", res.ApproveCount, res.DenyCount)
	}
	if res.Confidence <= 0.7 {
		t.Fatalf("expected confidence > 0.7, got %v", res.Confidence)
	}
	if res.SuggestedAction != SuggestAutoApprove {
		t.Fatalf("expected auto-approve, got %s", res.SuggestedAction)
	}
	if len(res.RecentDecisions) == 0 {
		t.Fatalf("expected recent decisions returned")
	}
}

func TestConfidenceMath(t *testing.T) {
	if got := confidence(4, 0); got != 1.0 {
		t.Fatalf("confidence(4,0) = %v, want 1", got)
	}
	if got := confidence(1, 1); got != -0.5 {
		t.Fatalf("confidence(1,1) = %v, want -0.5", got)
	}
	if got := confidence(0, 0); got != 0 {
		t.Fatalf("confidence(0,0) = %v, want 0", got)
	}

	if got := suggestedAction(4, 0, 1.0, false); got != SuggestAutoApprove {
		t.Fatalf("expected auto-approve, got %s", got)
	}
	if got := suggestedAction(1, 1, -0.5, false); got != SuggestAutoDeny {
		t.Fatalf("expected auto-deny, got %s", got)
	}
	if got := suggestedAction(2, 0, 1.0, false); got != SuggestAsk {
		t.Fatalf("expected ask below decision minimum, got %s", got)
	}
	if got := suggestedAction(0, 1, -1.0, true); got != SuggestAutoApprove {
		t.Fatalf("expected forced auto-approve, got %s", got)
	}
}

func TestDenyWeightedConfidence(t *testing.T) {
	s := openTestStore(t)

	// One deny against one approve: (1-3)/(1+3) = -0.5.
	s.RecordDecision("exec", "npm run deploy", 6, DecisionApprove, "s1")
	s.RecordDecision("exec", "npm run deploy", 6, DecisionDeny, "s1")

	res, err := s.Lookup("exec", "npm run deploy")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Confidence != -0.5 {
		t.Fatalf("expected confidence -0.5, got %v", res.Confidence)
	}
	if res.SuggestedAction != SuggestAutoDeny {
		t.Fatalf("expected auto-deny at total=2 conf=-0.5, got %s", res.SuggestedAction)
	}
}

func TestNeutralDecisionDoesNotMoveCounts(t *testing.T) {
	s := openTestStore(t)

	s.RecordDecision("exec", "make build", 4, DecisionNeutral, "s1")
	res, _ := s.Lookup("exec", "make build")
	if !res.Found {
		t.Fatalf("expected pattern row for neutral decision")
	}
	if res.ApproveCount != 0 || res.DenyCount != 0 {
		t.Fatalf("neutral must not move counts: A=%d D=%d", res.ApproveCount, res.DenyCount)
	}
	if res.SuggestedAction != SuggestAsk {
		t.Fatalf("expected ask, got %s", res.SuggestedAction)
	}
}

func TestScoreAdjustmentBounds(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	lookup := LookupResult{
		Found:        true,
		ApproveCount: 5,
		Confidence:   1.0,
		LastSeen:     now,
	}

	// Never adjust a genuinely dangerous score.
	if delta := s.ScoreAdjustment(lookup, 9); delta != 0 {
		t.Fatalf("expected 0 delta at score 9, got %d", delta)
	}
	if delta := s.ScoreAdjustment(lookup, 10); delta != 0 {
		t.Fatalf("expected 0 delta at score 10, got %d", delta)
	}

	// Full confidence, fresh: delta -3, but floored so score never drops below 3.
	if delta := s.ScoreAdjustment(lookup, 7); delta != -3 {
		t.Fatalf("expected -3 at score 7, got %d", delta)
	}
	if delta := s.ScoreAdjustment(lookup, 4); delta != -1 {
		t.Fatalf("expected floor at 3 (delta -1) for score 4, got %d", delta)
	}

	// Fewer than 3 decisions contribute nothing.
	few := lookup
	few.ApproveCount = 2
	if delta := s.ScoreAdjustment(few, 7); delta != 0 {
		t.Fatalf("expected 0 delta under 3 decisions, got %d", delta)
	}

	// Negative confidence raises the score, capped at +2.
	denied := LookupResult{
		Found:      true,
		DenyCount:  3,
		Confidence: -1.0,
		LastSeen:   now,
	}
	if delta := s.ScoreAdjustment(denied, 5); delta != 2 {
		t.Fatalf("expected +2 for strong deny history, got %d", delta)
	}

	// Weak deny history floors to nothing: floor(2 * 0.4 * 1) = 0.
	weak := LookupResult{
		Found:        true,
		ApproveCount: 1,
		DenyCount:    2,
		Confidence:   -0.4,
		LastSeen:     now,
	}
	if delta := s.ScoreAdjustment(weak, 5); delta != 0 {
		t.Fatalf("expected 0 delta at confidence -0.4, got %d", delta)
	}
}

func TestScoreAdjustmentDecay(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	lookup := LookupResult{
		Found:        true,
		ApproveCount: 5,
		Confidence:   1.0,
		LastSeen:     now.Add(-15 * 24 * time.Hour), // half decayed
	}
	// floor(3 * 1.0 * 0.5) = 1
	if delta := s.ScoreAdjustment(lookup, 7); delta != -1 {
		t.Fatalf("expected -1 at half decay, got %d", delta)
	}

	lookup.LastSeen = now.Add(-45 * 24 * time.Hour) // fully decayed
	if delta := s.ScoreAdjustment(lookup, 7); delta != 0 {
		t.Fatalf("expected 0 past 30 days, got %d", delta)
	}
}

func TestForceAutoApprove(t *testing.T) {
	s := openTestStore(t)

	// A single approval would normally stay at ask.
	if err := s.ForceAutoApprove("exec", "terraform apply", "s1"); err != nil {
		t.Fatalf("ForceAutoApprove: %v", err)
	}
	res, _ := s.Lookup("exec", "terraform apply")
	if res.SuggestedAction != SuggestAutoApprove {
		t.Fatalf("expected pinned auto-approve, got %s", res.SuggestedAction)
	}

	// A later deny updates counts but the pin survives.
	s.RecordDecision("exec", "terraform apply", 8, DecisionDeny, "s1")
	res, _ = s.Lookup("exec", "terraform apply")
	if res.SuggestedAction != SuggestAutoApprove {
		t.Fatalf("expected pin to survive, got %s", res.SuggestedAction)
	}
}

func TestConcurrentDecisionsSamePattern(t *testing.T) {
	s := openTestStore(t)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			decision := DecisionApprove
			if i%4 == 0 {
				decision = DecisionDeny
			}
			return s.RecordDecision("exec", "git push origin main", 5, decision, "s1")
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent RecordDecision: %v", err)
	}

	res, _ := s.Lookup("exec", "git push origin main")
	if res.ApproveCount != 15 || res.DenyCount != 5 {
		t.Fatalf("expected A=15 D=5 after concurrent writes, got A=%d D=%d", res.ApproveCount, res.DenyCount)
	}
}

func TestReplayReproducesPatterns(t *testing.T) {
	s := openTestStore(t)

	seed := []struct {
		tool, cmd string
		decision  Decision
	}{
		{"exec", "git push origin main", DecisionApprove},
		{"exec", "git push origin dev", DecisionApprove},
		{"exec", "rm -rf build", DecisionDeny},
		{"write", "/Users/alice/app/config.json", DecisionApprove},
		{"exec", "git push origin main", DecisionApprove},
	}
	for _, d := range seed {
		if err := s.RecordDecision(d.tool, d.cmd, 5, d.decision, "s1"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	logRecords, err := s.Decisions()
	if err != nil {
		t.Fatalf("Decisions: %v", err)
	}

	replayed := openTestStore(t)
	for _, rec := range logRecords {
		if err := replayed.RecordDecision(rec.Tool, rec.Command, rec.Score, rec.Decision, rec.SessionKey); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	for _, d := range seed {
		orig, _ := s.Lookup(d.tool, d.cmd)
		rebuilt, _ := replayed.Lookup(d.tool, d.cmd)
		if orig.ApproveCount != rebuilt.ApproveCount || orig.DenyCount != rebuilt.DenyCount ||
			orig.Confidence != rebuilt.Confidence || orig.SuggestedAction != rebuilt.SuggestedAction {
			t.Fatalf("replay mismatch for %s %s: %+v vs %+v", d.tool, d.cmd, orig, rebuilt)
		}
	}
}

func TestRelatedPatterns(t *testing.T) {
	s := openTestStore(t)

	s.RecordDecision("exec", "git push origin main", 5, DecisionApprove, "s1")
	s.RecordDecision("exec", "git pull origin main", 5, DecisionApprove, "s1")
	s.RecordDecision("write", "/tmp/a.go", 5, DecisionApprove, "s1")

	related, err := s.Related("exec", "git push origin other", 5)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	// The push pattern is the current pattern itself, so only pull remains.
	if len(related) != 1 {
		t.Fatalf("expected 1 related pattern, got %d: %+v", len(related), related)
	}
	if related[0].Pattern != "exec:git pull origin *" {
		t.Fatalf("unexpected related pattern %q", related[0].Pattern)
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().Add(-90 * 24 * time.Hour)
	s.now = func() time.Time { return old }
	s.RecordDecision("exec", "ls", 1, DecisionApprove, "s1")

	s.now = time.Now
	s.RecordDecision("exec", "pwd", 1, DecisionApprove, "s1")

	n, err := s.Prune(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned decision, got %d", n)
	}

	records, _ := s.Decisions()
	if len(records) != 1 || records[0].Command != "pwd" {
		t.Fatalf("expected only the fresh decision to survive, got %+v", records)
	}
}
