package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardclaw/guardclaw/internal/analyzer"
	"github.com/guardclaw/guardclaw/internal/events"
	"github.com/guardclaw/guardclaw/internal/history"
	"github.com/guardclaw/guardclaw/internal/memory"
	"github.com/guardclaw/guardclaw/internal/prompt"
	"github.com/guardclaw/guardclaw/internal/rules"
	"github.com/guardclaw/guardclaw/internal/safeguard"
)

type stubJudge struct {
	delay time.Duration
}

func (stubJudge) Model() string                { return "qwen3:4b" }
func (stubJudge) Healthy(context.Context) bool { return true }
func (s stubJudge) Judge(context.Context, prompt.Profile, string, safeguard.Action) safeguard.Verdict {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return safeguard.NewVerdict(safeguard.TierWarning, 5, "stub", "", "llm:qwen3:4b")
}

func newTestClient(t *testing.T, url string) (*Client, *history.Tracker, *events.Store) {
	return newTestClientWithJudge(t, url, stubJudge{})
}

func newTestClientWithJudge(t *testing.T, url string, j analyzer.JudgeClient) (*Client, *history.Tracker, *events.Store) {
	t.Helper()
	mem, err := memory.Open(t.TempDir())
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	ev, err := events.Open(t.TempDir())
	if err != nil {
		t.Fatalf("events.Open: %v", err)
	}
	t.Cleanup(func() { ev.Close() })

	tracker := history.NewTracker(history.DefaultRingSize)
	a := analyzer.New(rules.NewEngine(nil), mem, tracker, j)
	return NewClient(url, a, tracker, ev), tracker, ev
}

func gatewayServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Leave the connection open so the client keeps reading until the
		// test cancels it.
		conn.ReadMessage()
	}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestToolCallReassembly(t *testing.T) {
	frames := []string{
		`{"type":"tool_call","phase":"start","toolCallId":"tc1","sessionKey":"s1","tool":"exec","params":{"command":"ls"}}`,
		`{"type":"tool_call","phase":"update","toolCallId":"tc1","params":{"command":"ls -la"}}`,
		`{"type":"tool_call","phase":"result","toolCallId":"tc1","result":"total 8\ndrwxr-xr-x ."}`,
		`{"type":"agent_message","phase":"update"}`,
	}
	srv := gatewayServer(t, frames)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, tracker, ev := newTestClient(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, func() bool { return tracker.Sessions() == 1 && client.Pending() == 0 })

	// Result recorded into the session ring for chain analysis.
	chain := tracker.ChainContext("s1", safeguard.ToolExec)
	if len(chain) != 1 || !strings.Contains(chain[0].ResultSnippet, "total 8") {
		t.Fatalf("expected recorded result, got %+v", chain)
	}

	// Advisory verdict persisted with the streaming tag.
	waitFor(t, func() bool {
		list, _ := ev.List(events.Query{SessionKey: "s1"})
		return len(list) == 1
	})
	list, _ := ev.List(events.Query{SessionKey: "s1"})
	if list[0].SubType != events.SubTypeStream {
		t.Fatalf("expected stream-advisory record, got %+v", list[0])
	}
}

func TestStreamReusesHotCacheVerdict(t *testing.T) {
	frames := []string{
		`{"type":"tool_call","phase":"start","toolCallId":"tc1","sessionKey":"s1","tool":"exec","params":{"command":"terraform apply"}}`,
	}
	srv := gatewayServer(t, frames)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, ev := newTestClient(t, url)

	// The hook path already judged this exact call.
	action := safeguard.NewAction(safeguard.ToolExec, map[string]any{"command": "terraform apply"}, "s1")
	hookVerdict := safeguard.NewVerdict(safeguard.TierBlock, 9, "denied by user", "user", "llm:qwen3:4b")
	client.analyzer.HotPut(action, hookVerdict)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, func() bool {
		list, _ := ev.List(events.Query{SessionKey: "s1"})
		return len(list) == 1
	})
	list, _ := ev.List(events.Query{SessionKey: "s1"})
	if list[0].RiskScore != 9 || list[0].Allowed {
		t.Fatalf("expected reused hook verdict, got %+v", list[0])
	}
}

func TestUpdateFramesDuringAnalysisDoNotCorruptParams(t *testing.T) {
	// Per-token update frames landing while the advisory analysis is still in
	// flight are the normal case. The params snapshot and the update merge
	// must serialize on the client lock or the race detector fires.
	client, tracker, ev := newTestClientWithJudge(t, "ws://127.0.0.1:1", stubJudge{delay: 30 * time.Millisecond})
	ctx := context.Background()

	client.handle(ctx, wireEvent{
		Type: "tool_call", Phase: "start", ToolCallID: "tc1",
		SessionKey: "s1", Tool: "exec",
		Params: map[string]any{"command": "terraform apply"},
	})

	// Hammer updates until the in-flight analysis lands its event.
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; ; i++ {
		client.handle(ctx, wireEvent{
			Type: "tool_call", Phase: "update", ToolCallID: "tc1",
			Params: map[string]any{"command": "terraform apply", "seq": i},
		})
		if list, _ := ev.List(events.Query{SessionKey: "s1"}); len(list) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("advisory analysis never completed")
		}
	}

	client.handle(ctx, wireEvent{Type: "tool_call", Phase: "result", ToolCallID: "tc1", Result: "applied"})
	if client.Pending() != 0 {
		t.Fatalf("expected reassembly state cleared")
	}
	if chain := tracker.ChainContext("s1", safeguard.ToolExec); len(chain) != 1 {
		t.Fatalf("expected completed call recorded, got %d entries", len(chain))
	}
}

func TestSweepStaleDropsAbandonedCalls(t *testing.T) {
	client, _, _ := newTestClient(t, "ws://127.0.0.1:1")

	client.mu.Lock()
	client.calls["old"] = &pendingCall{
		sessionKey: "s1", tool: "exec",
		params:    map[string]any{},
		startedAt: time.Now().Add(-time.Hour),
	}
	client.calls["fresh"] = &pendingCall{
		sessionKey: "s1", tool: "exec",
		params:    map[string]any{},
		startedAt: time.Now(),
	}
	client.mu.Unlock()

	if n := client.SweepStale(); n != 1 {
		t.Fatalf("expected 1 stale call dropped, got %d", n)
	}
	if client.Pending() != 1 {
		t.Fatalf("fresh call must survive")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	if d := backoffDelay(1); d < 500*time.Millisecond || d > 2*time.Second {
		t.Fatalf("unexpected first delay %v", d)
	}
	if d := backoffDelay(20); d > maxReconnectDelay+maxReconnectDelay/5 {
		t.Fatalf("delay must cap near %v, got %v", maxReconnectDelay, d)
	}
	if backoffDelay(5) <= backoffDelay(2) {
		// Jitter is ±10%, far smaller than the 8x growth between these.
		t.Fatalf("delay must grow with failures")
	}
}
