// Package api exposes the synchronous hook endpoints that gate agent tool
// calls, the approval side-channel, and the read-only event query API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/guardclaw/guardclaw/internal/analyzer"
	"github.com/guardclaw/guardclaw/internal/approval"
	"github.com/guardclaw/guardclaw/internal/config"
	"github.com/guardclaw/guardclaw/internal/events"
	"github.com/guardclaw/guardclaw/internal/history"
	"github.com/guardclaw/guardclaw/internal/memory"
	"github.com/guardclaw/guardclaw/internal/prompt"
	"github.com/guardclaw/guardclaw/internal/rules"
	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// Permission decisions returned to the agent host.
const (
	DecisionAllow = "allow"
	DecisionAsk   = "ask"
	DecisionDeny  = "deny"
)

// Server wires the decision pipeline behind HTTP.
type Server struct {
	cfg       *config.Settings
	analyzer  *analyzer.Analyzer
	approvals *approval.Manager
	events    *events.Store
	tracker   *history.Tracker
	version   string

	// sample decides whether an auto-allowed WARNING is routed to ask for
	// user feedback. Swapped in tests.
	sample func() float64
}

// NewServer creates the API server.
func NewServer(cfg *config.Settings, a *analyzer.Analyzer, approvals *approval.Manager, ev *events.Store, tracker *history.Tracker, version string) *Server {
	return &Server{
		cfg:       cfg,
		analyzer:  a,
		approvals: approvals,
		events:    ev,
		tracker:   tracker,
		version:   version,
		sample:    rand.Float64,
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /hooks/pre-tool-use", s.handlePreToolUse)
	mux.HandleFunc("POST /hooks/post-tool-use", s.handlePostToolUse)
	mux.HandleFunc("POST /hooks/user-prompt", s.handleUserPrompt)
	mux.HandleFunc("POST /hooks/stop", s.handleStop)

	mux.HandleFunc("GET /approvals/pending", s.handlePendingApprovals)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/deny", s.handleDeny)

	mux.HandleFunc("GET /events", s.handleListEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type preToolUseRequest struct {
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	CWD            string         `json:"cwd,omitempty"`
}

type preToolUseResponse struct {
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// hostToolTags maps agent-host tool names onto the internal tags. Unknown
// names pass through lowercased so the judge still sees them.
var hostToolTags = map[string]string{
	"bash":        safeguard.ToolExec,
	"shell":       safeguard.ToolExec,
	"run_command": safeguard.ToolExec,
	"str_replace": safeguard.ToolEdit,
	"webfetch":    safeguard.ToolWebFetch,
	"websearch":   safeguard.ToolWebSearch,
}

func normalizeTool(name string) string {
	lower := strings.ToLower(name)
	if tag, ok := hostToolTags[lower]; ok {
		return tag
	}
	return lower
}

func (s *Server) handlePreToolUse(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()

	var req preToolUseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, preToolUseResponse{
			PermissionDecision:       s.errorDecision(snap, ""),
			PermissionDecisionReason: "malformed hook request",
		})
		return
	}

	tool := normalizeTool(req.ToolName)
	action := safeguard.NewAction(tool, req.ToolInput, req.SessionID)

	// Any internal failure degrades to the configured failure mode rather
	// than breaking the agent's hook call.
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("tool", tool).Msg("Hook handler panicked")
			writeJSON(w, http.StatusOK, preToolUseResponse{
				PermissionDecision:       s.errorDecision(snap, tool),
				PermissionDecisionReason: "internal error",
			})
		}
	}()

	var task *prompt.TaskContext
	if req.CWD != "" {
		task = &prompt.TaskContext{WorkingDir: req.CWD}
	}

	verdict := s.analyzer.Classify(r.Context(), action, task, snap.BlockingEnabled)
	s.analyzer.HotPut(action, verdict)
	s.events.RecordVerdict(action, verdict, events.SubTypeHook)

	decision, reason := s.decide(r.Context(), snap, action, verdict)
	writeJSON(w, http.StatusOK, preToolUseResponse{
		PermissionDecision:       decision,
		PermissionDecisionReason: reason,
	})
}

// decide maps a verdict onto allow/ask/deny, running the approval wait for
// ask outcomes so the hook reply carries the final answer.
func (s *Server) decide(ctx context.Context, snap config.Settings, action safeguard.Action, verdict safeguard.Verdict) (string, string) {
	if !snap.BlockingEnabled {
		return DecisionAllow, fmt.Sprintf("monitor mode: %s (score %d): %s", verdict.Tier, verdict.Score, verdict.Reason)
	}

	if verdict.Tier == safeguard.TierBlock || verdict.Score >= snap.AutoBlockThreshold {
		return DecisionDeny, fmt.Sprintf("blocked (score %d): %s", verdict.Score, verdict.Reason)
	}

	// Fail-closed: a fallback verdict means the judge was needed and
	// unavailable. Dangerous tools do not ride on the fallback classifier.
	if snap.FailClosed && verdict.Backend == safeguard.BackendFallback && safeguard.DangerousTools[action.Tool] {
		return DecisionDeny, fmt.Sprintf("judge backend unavailable and fail-closed mode is on (score %d)", verdict.Score)
	}

	askForFeedback := verdict.Tier == safeguard.TierWarning && s.sample() < snap.WarnSampleRate
	if verdict.Score <= snap.AutoAllowThreshold && !askForFeedback {
		return DecisionAllow, fmt.Sprintf("%s (score %d): %s", verdict.Tier, verdict.Score, verdict.Reason)
	}

	return s.awaitApproval(ctx, action, verdict)
}

func (s *Server) awaitApproval(ctx context.Context, action safeguard.Action, verdict safeguard.Verdict) (string, string) {
	req := s.approvals.Submit(action, verdict)
	out := s.approvals.Wait(ctx, req.ID)

	switch out.Resolution {
	case approval.ResolutionApprove:
		if out.AlwaysApprove {
			s.analyzer.ForceApprove(action)
		} else {
			s.analyzer.RecordDecision(action, verdict.Score, memory.DecisionApprove)
		}
		return DecisionAllow, fmt.Sprintf("approved by user (score %d)", verdict.Score)
	case approval.ResolutionDeny:
		s.analyzer.RecordDecision(action, verdict.Score, memory.DecisionDeny)
		return DecisionDeny, fmt.Sprintf("denied by user (score %d): %s", verdict.Score, verdict.Reason)
	default:
		return DecisionDeny, fmt.Sprintf("approval timed out (score %d): %s", verdict.Score, verdict.Reason)
	}
}

// errorDecision is the disposition for internal failures: allow in normal
// mode, deny for dangerous tools in fail-closed mode.
func (s *Server) errorDecision(snap config.Settings, tool string) string {
	if snap.FailClosed && safeguard.DangerousTools[tool] {
		return DecisionDeny
	}
	return DecisionAllow
}

type postToolUseRequest struct {
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ToolOutput any            `json:"tool_output"`
	SessionID  string         `json:"session_id"`
}

func (s *Server) handlePostToolUse(w http.ResponseWriter, r *http.Request) {
	var req postToolUseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed hook request", http.StatusBadRequest)
		return
	}

	tool := normalizeTool(req.ToolName)
	s.tracker.Record(req.SessionID, tool, req.ToolInput, req.ToolOutput)

	// Credential scan on the output. The action already ran; this is a
	// post-hoc finding, not a gate.
	if output := history.Snippet(req.ToolOutput); output != "" {
		if findings := rules.ScanContent(output); len(findings) > 0 {
			log.Warn().
				Str("tool", tool).
				Str("session", req.SessionID).
				Strs("findings", findings).
				Msg("Credential patterns in tool output")
			s.events.RecordSecurity(req.SessionID, tool, events.SubTypeLeak, strings.Join(findings, "; "))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{})
}

type userPromptRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleUserPrompt(w http.ResponseWriter, r *http.Request) {
	var req userPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed hook request", http.StatusBadRequest)
		return
	}

	if finding := scanPromptInjection(req.Prompt); finding != "" {
		log.Warn().Str("session", req.SessionID).Str("finding", finding).
			Msg("Prompt-injection pattern in user turn")
		s.events.RecordSecurity(req.SessionID, "prompt", events.SubTypeInjected, finding)
	}

	writeJSON(w, http.StatusOK, map[string]any{})
}

type stopRequest struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed hook request", http.StatusBadRequest)
		return
	}
	log.Debug().Str("session", req.SessionID).Msg("Agent turn ended")
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.approvals.Pending()})
}

type resolveRequest struct {
	Always bool `json:"always,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, approval.ResolutionApprove)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, approval.ResolutionDeny)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, resolution approval.Resolution) {
	var req resolveRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // body is optional
	}

	id := r.PathValue("id")
	if _, err := s.approvals.Resolve(id, resolution, req.Always); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": id, "resolution": resolution})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := events.Query{
		SessionKey: r.URL.Query().Get("session"),
		Type:       r.URL.Query().Get("type"),
	}
	if v := r.URL.Query().Get("min_score"); v != "" {
		q.MinScore, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("max_score"); v != "" {
		q.MaxScore, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = ts
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.Until = ts
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}

	list, err := s.events.List(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          s.version,
		"llmHealthy":       s.analyzer.Healthy(r.Context()),
		"sessions":         s.tracker.Sessions(),
		"pendingApprovals": len(s.approvals.Pending()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}
