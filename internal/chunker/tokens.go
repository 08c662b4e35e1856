package chunker

import "strings"

// EstimateTokens approximates model tokens: one per non-ASCII rune plus one
// per whitespace separated word. Non-empty text is never zero.
func EstimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}
