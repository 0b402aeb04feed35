package ledger

import "unicode/utf8"

// EstimateTokens approximates a token count as characters/4, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
