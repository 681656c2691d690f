package safeguard

// Tier is the three-level verdict contract shared by every ingestion path.
type Tier string

const (
	TierSafe    Tier = "SAFE"
	TierWarning Tier = "WARNING"
	TierBlock   Tier = "BLOCK"
)

// Score bands per tier. The numeric score exists for downstream thresholding;
// the tier is the authoritative signal.
const (
	SafeScoreMax    = 2
	WarningScoreMax = 7
	BlockScoreMax   = 10
)

// Backend tags identifying which component produced a verdict.
const (
	BackendRules    = "rules"
	BackendCache    = "cache"
	BackendMemory   = "memory"
	BackendFallback = "fallback"
)

// Verdict is the classifier's output for one action.
type Verdict struct {
	Tier     Tier   `json:"verdict"`
	Score    int    `json:"score"` // 1-10, within the tier's band
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"`
	Allowed  bool   `json:"allowed"`
	Backend  string `json:"backend"`
	Cached   bool   `json:"cached,omitempty"`

	// Set when pattern memory adjusted the LLM score.
	OriginalScore    int    `json:"originalScore,omitempty"`
	MemoryAdjustment int    `json:"memoryAdjustment,omitempty"`
	MemoryHint       string `json:"memoryHint,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// NewVerdict builds a verdict with the invariants applied: the score is
// clamped into the tier's band and Allowed follows the tier.
func NewVerdict(tier Tier, score int, reason, category, backend string) Verdict {
	return Verdict{
		Tier:     tier,
		Score:    ClampScore(tier, score),
		Reason:   reason,
		Category: category,
		Allowed:  tier != TierBlock,
		Backend:  backend,
	}
}

// TierForScore maps a 1-10 score onto its band.
func TierForScore(score int) Tier {
	switch {
	case score <= SafeScoreMax:
		return TierSafe
	case score <= WarningScoreMax:
		return TierWarning
	default:
		return TierBlock
	}
}

// ScoreForTier returns the representative score for a bare tier, used when
// the judge returns only a verdict word.
func ScoreForTier(tier Tier) int {
	switch tier {
	case TierSafe:
		return 2
	case TierBlock:
		return 9
	default:
		return 5
	}
}

// ClampScore forces a score into the band of the given tier.
func ClampScore(tier Tier, score int) int {
	lo, hi := 1, SafeScoreMax
	switch tier {
	case TierWarning:
		lo, hi = SafeScoreMax+1, WarningScoreMax
	case TierBlock:
		lo, hi = WarningScoreMax+1, BlockScoreMax
	}
	if score < lo {
		return lo
	}
	if score > hi {
		return hi
	}
	return score
}

// Rescore moves a verdict to a new score, re-banding the tier and Allowed
// flag when the score crosses a band boundary.
func (v Verdict) Rescore(score int) Verdict {
	if score < 1 {
		score = 1
	}
	if score > BlockScoreMax {
		score = BlockScoreMax
	}
	v.Score = score
	v.Tier = TierForScore(score)
	v.Allowed = v.Tier != TierBlock
	return v
}

// ValidTier reports whether s is one of the three verdict words.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierSafe, TierWarning, TierBlock:
		return true
	}
	return false
}
