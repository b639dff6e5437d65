package oracle

import (
	"errors"
	"strings"
)

// ErrorClass categorizes oracle failures for run-outcome decisions.
type ErrorClass string

const (
	ErrorClassAuth          ErrorClass = "AUTH"
	ErrorClassRateLimit     ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout       ErrorClass = "TIMEOUT"
	ErrorClassUnavailable   ErrorClass = "UNAVAILABLE"
	ErrorClassContextWindow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown       ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an error message for known provider failure
// patterns and returns the most specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrNotConfigured) {
		return ErrorClassUnavailable
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") {
		return ErrorClassUnavailable
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextWindow
	}

	return ErrorClassUnknown
}
