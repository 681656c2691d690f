package events

import (
	"testing"
	"time"

	"github.com/guardclaw/guardclaw/internal/safeguard"
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

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)

	action := safeguard.NewAction(safeguard.ToolExec, map[string]any{"command": "rm -rf /"}, "s1")
	verdict := safeguard.NewVerdict(safeguard.TierBlock, 10, "destroys the filesystem", "destructive", safeguard.BackendRules)
	s.RecordVerdict(action, verdict, SubTypeHook)

	list, err := s.List(Query{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 event, got %d", len(list))
	}
	e := list[0]
	if e.Type != TypeVerdict || e.SubType != SubTypeHook || e.Tool != "exec" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.RiskScore != 10 || e.Allowed {
		t.Fatalf("verdict fields not copied: %+v", e)
	}
	if e.Data == "" || e.ID == "" {
		t.Fatalf("expected self-contained record with id, got %+v", e)
	}
}

func TestHookAndStreamRecordsCoexist(t *testing.T) {
	s := openTestStore(t)

	action := safeguard.NewAction(safeguard.ToolExec, map[string]any{"command": "terraform apply"}, "s1")
	v := safeguard.NewVerdict(safeguard.TierWarning, 6, "modifies infrastructure", "infra", "llm:qwen3:4b")

	s.RecordVerdict(action, v, SubTypeStream)
	s.RecordVerdict(action, v, SubTypeHook)

	list, _ := s.List(Query{SessionKey: "s1"})
	if len(list) != 2 {
		t.Fatalf("expected both records, got %d", len(list))
	}
	subTypes := map[string]bool{}
	for _, e := range list {
		subTypes[e.SubType] = true
	}
	if !subTypes[SubTypeHook] || !subTypes[SubTypeStream] {
		t.Fatalf("expected hook and stream-advisory records, got %v", subTypes)
	}
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t)

	for i, score := range []int{1, 5, 9} {
		session := "s1"
		if i == 2 {
			session = "s2"
		}
		action := safeguard.NewAction(safeguard.ToolExec, map[string]any{"command": "x"}, session)
		tier := safeguard.TierForScore(score)
		s.RecordVerdict(action, safeguard.NewVerdict(tier, score, "r", "", safeguard.BackendRules), SubTypeHook)
	}
	s.RecordSecurity("s1", "read", SubTypeLeak, "AWS key in tool output")

	byScore, err := s.List(Query{MinScore: 8})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range byScore {
		if e.RiskScore < 8 {
			t.Fatalf("score filter leaked %+v", e)
		}
	}
	if len(byScore) != 2 {
		t.Fatalf("expected score-9 verdict and security event, got %d", len(byScore))
	}

	security, _ := s.List(Query{Type: TypeSecurity})
	if len(security) != 1 || security[0].Category != SubTypeLeak {
		t.Fatalf("unexpected security events %+v", security)
	}

	s2, _ := s.List(Query{SessionKey: "s2"})
	if len(s2) != 1 || s2[0].RiskScore != 9 {
		t.Fatalf("session filter failed: %+v", s2)
	}

	old, _ := s.List(Query{Until: time.Now().Add(-time.Hour)})
	if len(old) != 0 {
		t.Fatalf("time filter failed: %+v", old)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 20; i++ {
		s.insert(Event{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Type:       TypeVerdict,
			Tool:       "exec",
			SubType:    SubTypeHook,
			SessionKey: "s1",
			RiskScore:  i % 10,
			Allowed:    true,
		})
	}

	n, err := s.Prune(5)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 15 {
		t.Fatalf("expected 15 pruned, got %d", n)
	}

	count, _ := s.Count()
	if count != 5 {
		t.Fatalf("expected 5 remaining, got %d", count)
	}
	list, _ := s.List(Query{})
	if list[0].Timestamp.Before(list[len(list)-1].Timestamp) {
		t.Fatalf("expected newest first")
	}
}
