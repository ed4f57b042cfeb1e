package utils

import (
	"regexp"
	"strings"
)

// Common ticker aliases and share-class spellings.
var tickerAliases = map[string]string{
	"GOOGLE":     "GOOGL",
	"ALPHABET":   "GOOGL",
	"FACEBOOK":   "META",
	"FB":         "META",
	"APPLE":      "AAPL",
	"MICROSOFT":  "MSFT",
	"AMAZON":     "AMZN",
	"NVIDIA":     "NVDA",
	"TESLA":      "TSLA",
	"BRK.B":      "BRK-B",
	"BRK/B":      "BRK-B",
	"BRK.A":      "BRK-A",
	"BRK/A":      "BRK-A",
	"BF.B":       "BF-B",
	"JNJ":        "JNJ",
	"J&J":        "JNJ",
	"BERKSHIRE":  "BRK-B",
}

var tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,5}([.-][A-Z0-9]{1,3})?$`)

// NormalizeTicker normalizes a user-input ticker to its canonical form.
// It handles aliases, uppercasing, whitespace and a leading $.
func NormalizeTicker(ticker string) string {
	ticker = strings.TrimSpace(strings.ToUpper(ticker))

	// Remove $ prefix if present (common in chat)
	ticker = strings.TrimPrefix(ticker, "$")

	if canonical, ok := tickerAliases[ticker]; ok {
		return canonical
	}
	return ticker
}

// ValidTicker reports whether an already-normalized ticker is well formed.
func ValidTicker(ticker string) bool {
	return tickerPattern.MatchString(ticker)
}
