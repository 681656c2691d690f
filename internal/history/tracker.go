// Package history keeps a per-session ring of recent tool calls with result
// snippets. The ring is the chain context handed to the judge when an
// exit-type tool could move previously-read data off the machine.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

const (
	// DefaultRingSize is the number of entries kept per session.
	DefaultRingSize = 10

	// maxSnippetLen bounds result snippets; longer results are
	// suffix-truncated with an ellipsis marker.
	maxSnippetLen = 400

	// sessionIdleTimeout evicts whole sessions that have gone quiet.
	sessionIdleTimeout = 2 * time.Hour
)

// Entry is one completed tool call.
type Entry struct {
	Tool          string    `json:"tool"`
	Params        string    `json:"params"`
	ResultSnippet string    `json:"resultSnippet"`
	Timestamp     time.Time `json:"timestamp"`
}

type sessionRing struct {
	mu       sync.Mutex
	entries  []Entry
	lastSeen time.Time
}

// Tracker owns the session rings. Sessions serialize through their own lock
// so chain context always reflects the agent's actual execution order;
// cross-session calls never contend.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionRing
	ringSize int
}

// NewTracker creates a tracker with the given per-session ring size.
func NewTracker(ringSize int) *Tracker {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Tracker{
		sessions: make(map[string]*sessionRing),
		ringSize: ringSize,
	}
}

// Record appends a completed tool call to the session's ring, evicting the
// oldest entry when full.
func (t *Tracker) Record(sessionKey, tool string, params map[string]any, result any) {
	ring := t.ring(sessionKey, true)

	paramsJSON := "{}"
	if data, err := json.Marshal(params); err == nil {
		paramsJSON = string(data)
	}

	ring.mu.Lock()
	defer ring.mu.Unlock()
	ring.lastSeen = time.Now()
	ring.entries = append(ring.entries, Entry{
		Tool:          tool,
		Params:        truncateSnippet(paramsJSON),
		ResultSnippet: Snippet(result),
		Timestamp:     time.Now(),
	})
	if len(ring.entries) > t.ringSize {
		ring.entries = ring.entries[len(ring.entries)-t.ringSize:]
	}
}

// ChainContext returns the session's ring when currentTool is exit-type (can
// carry data off the machine), and nil otherwise. Reads alone are not the
// hazard; chain risk matters when data leaves.
func (t *Tracker) ChainContext(sessionKey, currentTool string) []Entry {
	if !safeguard.ExitTools[currentTool] {
		return nil
	}
	ring := t.ring(sessionKey, false)
	if ring == nil {
		return nil
	}

	ring.mu.Lock()
	defer ring.mu.Unlock()
	if len(ring.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(ring.entries))
	copy(out, ring.entries)
	return out
}

// EvictIdle drops sessions idle longer than the timeout. Called by the
// background cleanup timer.
func (t *Tracker) EvictIdle() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-sessionIdleTimeout)
	evicted := 0
	for key, ring := range t.sessions {
		ring.mu.Lock()
		idle := ring.lastSeen.Before(cutoff)
		ring.mu.Unlock()
		if idle {
			delete(t.sessions, key)
			evicted++
		}
	}
	return evicted
}

// Sessions returns the number of tracked sessions.
func (t *Tracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) ring(sessionKey string, create bool) *sessionRing {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.sessions[sessionKey]
	if !ok {
		if !create {
			return nil
		}
		ring = &sessionRing{lastSeen: time.Now()}
		t.sessions[sessionKey] = ring
	}
	return ring
}

// Snippet extracts a short text snippet from a tool result. MCP-style
// content arrays ([{type:"text",text:"…"}]) are flattened; everything else is
// stringified.
func Snippet(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return truncateSnippet(v)
	case []any:
		var text string
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if blockType, _ := block["type"].(string); blockType != "text" {
				continue
			}
			if s, ok := block["text"].(string); ok {
				if text != "" {
					text += "\n"
				}
				text += s
			}
		}
		if text != "" {
			return truncateSnippet(text)
		}
	case map[string]any:
		if content, ok := v["content"]; ok {
			return Snippet(content)
		}
	}

	if data, err := json.Marshal(result); err == nil {
		return truncateSnippet(string(data))
	}
	return truncateSnippet(fmt.Sprintf("%v", result))
}

func truncateSnippet(s string) string {
	if len(s) <= maxSnippetLen {
		return s
	}
	return s[:maxSnippetLen] + "…"
}
