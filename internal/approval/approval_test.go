package approval

import (
	"context"
	"testing"
	"time"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

func testAction() safeguard.Action {
	return safeguard.NewAction(safeguard.ToolExec, map[string]any{"command": "terraform apply"}, "s1")
}

func testVerdict() safeguard.Verdict {
	return safeguard.NewVerdict(safeguard.TierWarning, 6, "modifies infrastructure", "infra", "llm:qwen3:4b")
}

func TestApproveFlow(t *testing.T) {
	m := NewManager(5 * time.Second)
	req := m.Submit(testAction(), testVerdict())

	go func() {
		if _, err := m.Resolve(req.ID, ResolutionApprove, false); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	out := m.Wait(context.Background(), req.ID)
	if out.Resolution != ResolutionApprove {
		t.Fatalf("expected approve, got %s", out.Resolution)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("resolved request must leave the pending list")
	}
}

func TestAlwaysApproveFlag(t *testing.T) {
	m := NewManager(5 * time.Second)
	req := m.Submit(testAction(), testVerdict())

	go m.Resolve(req.ID, ResolutionApprove, true)

	out := m.Wait(context.Background(), req.ID)
	if !out.AlwaysApprove {
		t.Fatalf("expected always-approve flag to reach the waiter")
	}
}

func TestDoubleResolveFails(t *testing.T) {
	m := NewManager(5 * time.Second)
	req := m.Submit(testAction(), testVerdict())

	done := make(chan struct{})
	go func() {
		m.Wait(context.Background(), req.ID)
		close(done)
	}()

	// Give the waiter a moment to register.
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Resolve(req.ID, ResolutionDeny, false); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := m.Resolve(req.ID, ResolutionApprove, false); err == nil {
		t.Fatalf("second resolve must fail")
	}
	<-done
}

func TestTimeout(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	req := m.Submit(testAction(), testVerdict())

	out := m.Wait(context.Background(), req.ID)
	if out.Resolution != ResolutionTimeout {
		t.Fatalf("expected timeout, got %s", out.Resolution)
	}
	if _, err := m.Resolve(req.ID, ResolutionApprove, false); err == nil {
		t.Fatalf("resolving a timed-out request must fail")
	}
}

func TestContextCancellation(t *testing.T) {
	m := NewManager(5 * time.Second)
	req := m.Submit(testAction(), testVerdict())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := m.Wait(ctx, req.ID)
	if out.Resolution != ResolutionTimeout {
		t.Fatalf("expected timeout on cancellation, got %s", out.Resolution)
	}
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	m := NewManager(5 * time.Second)
	first := m.Submit(testAction(), testVerdict())
	time.Sleep(2 * time.Millisecond)
	second := m.Submit(testAction(), testVerdict())

	list := m.Pending()
	if len(list) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("expected oldest-first ordering")
	}
}

func TestSweepDropsAbandonedRequests(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Submit(testAction(), testVerdict())

	time.Sleep(30 * time.Millisecond)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept request, got %d", n)
	}
}
