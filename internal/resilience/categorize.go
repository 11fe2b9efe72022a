package resilience

import "strings"

// Category classifies a dispatch failure for retry decisions.
type Category string

const (
	CategoryRateLimit      Category = "rate_limit"
	CategoryTimeout        Category = "timeout"
	CategoryNetwork        Category = "network"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryParsing        Category = "parsing"
	CategoryUnknown        Category = "unknown"
)

// Categorize maps a raw error to a Category by keyword inspection of its
// message. Order matters: auth and validation markers are checked before
// the broad network keywords.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return CategoryRateLimit
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout
	case containsAny(msg, "unauthorized", "forbidden", "authentication", "invalid api key", "401", "403"):
		return CategoryAuthentication
	case containsAny(msg, "validation", "invalid request", "bad request", "400"):
		return CategoryValidation
	case containsAny(msg, "parse", "unmarshal", "decode", "malformed"):
		return CategoryParsing
	case containsAny(msg, "connection", "network", "unreachable", "no such host", "broken pipe", "reset by peer", "eof"):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

// Retryable reports whether errors of this category are safe to retry.
// Unknown errors are deliberately non-retryable: retry storms on
// unclassified failures are worse than one surfaced error.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryNetwork:
		return true
	default:
		return false
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
