package engine

import "strings"

// ErrorClass categorizes provider errors for log labeling.
type ErrorClass string

const (
	ErrorClassAuth      ErrorClass = "AUTH"
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout   ErrorClass = "TIMEOUT"
	ErrorClassUnknown   ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an error message for known provider failure
// patterns and returns the most specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "context canceled") {
		return ErrorClassTimeout
	}
	return ErrorClassUnknown
}
