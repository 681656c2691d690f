// Package analyzer is the decision pipeline: rules, then caches, then pattern
// memory, then the LLM judge, in a fixed order that keeps high-risk blocks
// authoritative and safe fast paths disabled while chain context is live.
package analyzer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/guardclaw/guardclaw/internal/cache"
	"github.com/guardclaw/guardclaw/internal/history"
	"github.com/guardclaw/guardclaw/internal/memory"
	"github.com/guardclaw/guardclaw/internal/prompt"
	"github.com/guardclaw/guardclaw/internal/rules"
	"github.com/guardclaw/guardclaw/internal/safeguard"
	"github.com/guardclaw/guardclaw/internal/telemetry"
)

// JudgeClient is the LLM layer. *judge.Client satisfies it.
type JudgeClient interface {
	Model() string
	Judge(ctx context.Context, profile prompt.Profile, userPrompt string, action safeguard.Action) safeguard.Verdict
	Healthy(ctx context.Context) bool
}

// Analyzer classifies tool calls. Safe for concurrent use.
type Analyzer struct {
	rules   *rules.Engine
	results *cache.Cache
	hot     *cache.Cache
	memory  *memory.Store
	tracker *history.Tracker
	judge   JudgeClient

	group singleflight.Group
}

// New wires the pipeline. All dependencies are required except the rule
// engine's user list, which is the engine's own concern.
func New(engine *rules.Engine, mem *memory.Store, tracker *history.Tracker, judge JudgeClient) *Analyzer {
	return &Analyzer{
		rules:   engine,
		results: cache.New(cache.ResultTTL, cache.DefaultCapacity),
		hot:     cache.New(cache.HotTTL, cache.DefaultCapacity),
		memory:  mem,
		tracker: tracker,
		judge:   judge,
	}
}

// Classify runs the full pipeline for one action.
//
// Order: user list and static rules first (a high-risk match is
// authoritative), then the result cache, then the pattern-memory shortcut,
// then the judge. When the session has live chain context every shortcut
// that could wave the call through is skipped, because a command that is
// harmless alone can complete an exfiltration sequence. The memory shortcut
// also requires blockingEnabled: in monitor mode nothing is gated, so the
// event log should carry the real judge verdict rather than a memory stub.
func (a *Analyzer) Classify(ctx context.Context, action safeguard.Action, task *prompt.TaskContext, blockingEnabled bool) safeguard.Verdict {
	chain := a.tracker.ChainContext(action.SessionKey, action.Tool)
	chainActive := len(chain) > 0

	if v := a.rules.Classify(action, chainActive); v != nil {
		return a.count(*v)
	}

	if !chainActive {
		if v, ok := a.results.Get(action.Fingerprint()); ok {
			telemetry.CacheHits.WithLabelValues("result").Inc()
			return a.count(v)
		}
	}

	lookup, err := a.memory.Lookup(action.Tool, action.CommandString())
	if err != nil {
		log.Warn().Err(err).Msg("Pattern memory lookup failed")
		lookup = memory.LookupResult{}
	}
	if blockingEnabled && !chainActive && lookup.Found && lookup.SuggestedAction == memory.SuggestAutoApprove {
		v := safeguard.NewVerdict(safeguard.TierSafe, safeguard.SafeScoreMax,
			fmt.Sprintf("Matches pattern approved %d times", lookup.ApproveCount),
			"memory", safeguard.BackendMemory)
		v.MemoryHint = string(lookup.SuggestedAction)
		return a.count(v)
	}

	// Concurrent identical calls (the hook path and the streaming path race
	// on the same tool call) share a single judge round trip.
	result, _, _ := a.group.Do(action.HotKey(), func() (any, error) {
		return a.judgeAction(ctx, action, chain, chainActive, lookup, task), nil
	})
	return a.count(result.(safeguard.Verdict))
}

func (a *Analyzer) judgeAction(ctx context.Context, action safeguard.Action, chain []history.Entry, chainActive bool, lookup memory.LookupResult, task *prompt.TaskContext) safeguard.Verdict {
	related, err := a.memory.Related(action.Tool, action.CommandString(), 5)
	if err != nil {
		log.Warn().Err(err).Msg("Related pattern lookup failed")
	}

	profile := prompt.ProfileFor(a.judge.Model())
	in := prompt.Input{Action: action, Chain: chain, Task: task, Memory: related}

	var userPrompt string
	if action.Tool == safeguard.ToolWrite || action.Tool == safeguard.ToolEdit {
		userPrompt = prompt.BuildWrite(profile, in)
	} else {
		userPrompt = prompt.Build(profile, in)
	}

	verdict := a.judge.Judge(ctx, profile, userPrompt, action)
	verdict = a.applyMemory(verdict, lookup)

	// Fallback verdicts are transient judgments of an unavailable backend;
	// caching them would outlive the outage.
	if !chainActive && verdict.Backend != safeguard.BackendFallback {
		a.results.Put(action.Fingerprint(), verdict)
	}

	log.Debug().
		Str("tool", action.Tool).
		Str("tier", string(verdict.Tier)).
		Int("score", verdict.Score).
		Str("backend", verdict.Backend).
		Bool("chain", chainActive).
		Msg("Judged tool call")
	return verdict
}

func (a *Analyzer) applyMemory(v safeguard.Verdict, lookup memory.LookupResult) safeguard.Verdict {
	delta := a.memory.ScoreAdjustment(lookup, v.Score)
	if delta == 0 {
		return v
	}
	original := v.Score
	v = v.Rescore(original + delta)
	v.OriginalScore = original
	v.MemoryAdjustment = delta
	v.MemoryHint = fmt.Sprintf("%d approvals, %d denials on %s", lookup.ApproveCount, lookup.DenyCount, lookup.Pattern)
	return v
}

func (a *Analyzer) count(v safeguard.Verdict) safeguard.Verdict {
	telemetry.Verdicts.WithLabelValues(string(v.Tier), v.Backend).Inc()
	return v
}

// HotGet returns the deduplication-cache verdict for an action, if the other
// ingestion path judged it within the hot TTL.
func (a *Analyzer) HotGet(action safeguard.Action) (safeguard.Verdict, bool) {
	v, ok := a.hot.Get(action.HotKey())
	if ok {
		telemetry.CacheHits.WithLabelValues("hot").Inc()
	}
	return v, ok
}

// HotPut records a verdict so the other ingestion path can reuse it.
func (a *Analyzer) HotPut(action safeguard.Action, v safeguard.Verdict) {
	a.hot.Put(action.HotKey(), v)
}

// RecordDecision feeds a user (or threshold-automated) decision back into
// pattern memory.
func (a *Analyzer) RecordDecision(action safeguard.Action, score int, decision memory.Decision) {
	if err := a.memory.RecordDecision(action.Tool, action.CommandString(), score, decision, action.SessionKey); err != nil {
		log.Warn().Err(err).Msg("Failed to record decision")
	}
}

// ForceApprove records an approval and pins the pattern to auto-approve, for
// the "always allow" resolution.
func (a *Analyzer) ForceApprove(action safeguard.Action) {
	if err := a.memory.ForceAutoApprove(action.Tool, action.CommandString(), action.SessionKey); err != nil {
		log.Warn().Err(err).Msg("Failed to pin auto-approve pattern")
	}
}

// Healthy reports whether the judge backend is reachable.
func (a *Analyzer) Healthy(ctx context.Context) bool {
	return a.judge.Healthy(ctx)
}

// Sweep drops expired cache entries and idle sessions. Called by the
// background cleanup timer.
func (a *Analyzer) Sweep() (int, int, int) {
	return a.results.Sweep(), a.hot.Sweep(), a.tracker.EvictIdle()
}
