package providers

import "strings"

// defaultTemperature is the fixed temperature for main queries.
const defaultTemperature = 0.7

// Model families that reject configurable temperature and only accept 1.
var forceTemperatureOne = []string{"o1", "o3", "o4", "gpt-5"}

// Model-name prefixes that take max_completion_tokens instead of
// max_tokens on the openai dialect.
var completionTokensPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// Providers whose openai-dialect endpoints understand the anthropic
// style thinking object rather than reasoning_effort.
var thinkingObjectProviders = []string{"anthropic", "deepseek"}

func hasModelPrefix(model string, prefixes []string) bool {
	lower := strings.ToLower(model)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// resolveTemperature applies the parameter policy: explicit override,
// then the force-one table, then the fixed default.
func resolveTemperature(req Request) float64 {
	if hasModelPrefix(req.Profile.ModelName, forceTemperatureOne) {
		return 1
	}
	if req.Temperature != nil {
		return *req.Temperature
	}
	return defaultTemperature
}

// usesCompletionTokens reports whether the model takes
// max_completion_tokens instead of max_tokens.
func usesCompletionTokens(model string) bool {
	return hasModelPrefix(model, completionTokensPrefixes)
}

// usesThinkingObject reports whether thinking is expressed as a
// thinking object (vs reasoning_effort) on the openai dialect.
func usesThinkingObject(provider string) bool {
	lower := strings.ToLower(provider)
	for _, p := range thinkingObjectProviders {
		if lower == p {
			return true
		}
	}
	return false
}

// resolveMaxTokens picks the request override, then the profile value.
func resolveMaxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if req.Profile.MaxTokens > 0 {
		return req.Profile.MaxTokens
	}
	return 4096
}
