package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for quoted headers and ids.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// Truncate cuts content to roughly maxTokens, appending a marker when cut.
// Used to bound event payloads and tool results before they enter the
// oracle conversation.
func Truncate(content string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(content) <= maxTokens {
		return content
	}
	maxBytes := maxTokens * 4
	if maxBytes >= len(content) {
		return content
	}
	return content[:maxBytes] + "\n[truncated]"
}
