// Package prompt assembles model-specific judge prompts from an action, its
// chain history, task context, and memory context.
package prompt

import "strings"

// Style selects between the full decision-tree prompt and a minimal variant
// for models too small to follow it.
type Style string

const (
	StyleFull    Style = "full"
	StyleMinimal Style = "minimal"
)

// Profile is the per-model prompt configuration.
type Profile struct {
	Temperature float64
	MaxTokens   int
	Style       Style
	// NoThink appends /no_think so thinking-style models skip
	// chain-of-thought tags.
	NoThink bool
}

// profiles maps model-id substrings to configurations. Sub-2B models get the
// minimal style: they produce wildly inconsistent output against the full
// decision tree.
var profiles = []struct {
	match   string
	profile Profile
}{
	{"qwen3", Profile{Temperature: 0.05, MaxTokens: 200, Style: StyleFull, NoThink: true}},
	{"qwen2.5:0.5b", Profile{Temperature: 0.1, MaxTokens: 150, Style: StyleMinimal}},
	{"qwen2.5:1.5b", Profile{Temperature: 0.1, MaxTokens: 150, Style: StyleMinimal}},
	{"llama3.2:1b", Profile{Temperature: 0.1, MaxTokens: 150, Style: StyleMinimal}},
	{"smollm", Profile{Temperature: 0.1, MaxTokens: 150, Style: StyleMinimal}},
	{"tinyllama", Profile{Temperature: 0.1, MaxTokens: 150, Style: StyleMinimal}},
	{"deepseek-r1", Profile{Temperature: 0.05, MaxTokens: 300, Style: StyleFull, NoThink: true}},
	{"gemma", Profile{Temperature: 0.05, MaxTokens: 200, Style: StyleFull}},
	{"llama3", Profile{Temperature: 0.05, MaxTokens: 200, Style: StyleFull}},
	{"mistral", Profile{Temperature: 0.05, MaxTokens: 200, Style: StyleFull}},
}

// defaultProfile covers unknown models.
var defaultProfile = Profile{Temperature: 0.05, MaxTokens: 250, Style: StyleFull}

// ProfileFor returns the prompt configuration for a model id.
func ProfileFor(modelID string) Profile {
	id := strings.ToLower(modelID)
	for _, p := range profiles {
		if strings.Contains(id, p.match) {
			return p.profile
		}
	}
	return defaultProfile
}
