package judge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// rawVerdict accepts both response shapes: the current {"verdict","reason"}
// and the legacy {"riskScore","category","reasoning","allowed","warnings"}
// form some prompts still elicit from older models.
type rawVerdict struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`

	RiskScore *int     `json:"riskScore"`
	Category  string   `json:"category"`
	Reasoning string   `json:"reasoning"`
	Allowed   *bool    `json:"allowed"`
	Warnings  []string `json:"warnings"`
}

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// Unclosed think tag: the model ran out of tokens mid-thought. The tag and
	// everything after it is discarded; JSON sketched inside an unfinished
	// thought is not a committed answer.
	thinkOpenRe     = regexp.MustCompile(`(?s)<think>.*`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseVerdict extracts a verdict from a raw model response. Small local
// models wrap JSON in thinking tags, code fences, and prose, and routinely
// emit trailing commas; each layer is stripped in turn before decoding.
func ParseVerdict(raw string) (safeguard.Verdict, error) {
	cleaned := thinkBlockRe.ReplaceAllString(raw, "")
	cleaned = thinkOpenRe.ReplaceAllString(cleaned, "")

	jsonText, ok := sliceJSON(cleaned)
	if !ok {
		return safeguard.Verdict{}, fmt.Errorf("no JSON object in response")
	}

	var rv rawVerdict
	if err := json.Unmarshal([]byte(jsonText), &rv); err != nil {
		repaired := trailingCommaRe.ReplaceAllString(jsonText, "$1")
		if err2 := json.Unmarshal([]byte(repaired), &rv); err2 != nil {
			return safeguard.Verdict{}, fmt.Errorf("decode verdict: %w", err)
		}
	}

	return normalize(rv)
}

// sliceJSON cuts the first-{ to last-} span out of text, after removing any
// code fence markers.
func sliceJSON(text string) (string, bool) {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func normalize(rv rawVerdict) (safeguard.Verdict, error) {
	// Current shape: verdict word, optional reason.
	if rv.Verdict != "" {
		word := strings.ToUpper(strings.TrimSpace(rv.Verdict))
		if !safeguard.ValidTier(word) {
			return safeguard.Verdict{}, fmt.Errorf("unknown verdict %q", rv.Verdict)
		}
		tier := safeguard.Tier(word)
		v := safeguard.NewVerdict(tier, safeguard.ScoreForTier(tier), rv.Reason, rv.Category, "")
		v.Warnings = rv.Warnings
		return v, nil
	}

	// Legacy shape: numeric score drives the tier.
	if rv.RiskScore != nil {
		score := *rv.RiskScore
		if score < 1 {
			score = 1
		}
		if score > safeguard.BlockScoreMax {
			score = safeguard.BlockScoreMax
		}
		tier := safeguard.TierForScore(score)
		// An explicit allowed=false overrides a mid-band score.
		if rv.Allowed != nil && !*rv.Allowed && tier != safeguard.TierBlock {
			tier = safeguard.TierBlock
			score = safeguard.ClampScore(tier, score)
		}
		reason := rv.Reasoning
		if reason == "" {
			reason = rv.Reason
		}
		v := safeguard.NewVerdict(tier, score, reason, rv.Category, "")
		v.Warnings = rv.Warnings
		return v, nil
	}

	return safeguard.Verdict{}, fmt.Errorf("response has neither verdict nor riskScore")
}
