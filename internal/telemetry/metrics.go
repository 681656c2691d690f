// Package telemetry exposes Prometheus counters for the decision pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LLMCalls counts round trips to the judge backend. Cache hits and
	// memory shortcuts must not increment this.
	LLMCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardclaw_llm_calls_total",
		Help: "Number of LLM judge requests issued.",
	})

	// Verdicts counts classifications by tier and backend.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardclaw_verdicts_total",
		Help: "Number of verdicts returned, by tier and producing backend.",
	}, []string{"tier", "backend"})

	// CacheHits counts hits by cache kind ("hot" or "result").
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardclaw_cache_hits_total",
		Help: "Number of decision cache hits.",
	}, []string{"kind"})

	// Fallbacks counts LLM failures that fell into the rule-based fallback.
	Fallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardclaw_fallback_verdicts_total",
		Help: "Number of verdicts produced by the fallback classifier.",
	})

	// Hallucinations counts BLOCK verdicts downgraded by the hallucination guard.
	Hallucinations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardclaw_hallucination_downgrades_total",
		Help: "Number of LLM verdicts downgraded for mismatched reasoning.",
	})

	// SecurityEvents counts post-hoc security findings (credential leaks in
	// tool output, prompt-injection attempts in user turns).
	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardclaw_security_events_total",
		Help: "Number of security events emitted outside the decision path.",
	}, []string{"kind"})
)
