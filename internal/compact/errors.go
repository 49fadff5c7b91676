package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/ctxwin/internal/window"
)

var (
	// ErrSummarizationFailed wraps every summarizer failure, timeouts included.
	ErrSummarizationFailed = errors.New("summarization failed")
	// ErrTimeout is the cause when the summarizer exceeds Options.Timeout.
	ErrTimeout = errors.New("summarizer timed out")
	// ErrNoReduction means the summary was not smaller than the span.
	ErrNoReduction = errors.New("summary does not reduce the span")
	// ErrSpanChanged means the span was modified while the summarizer ran.
	ErrSpanChanged = window.ErrSpanChanged
)

// Error carries the operation and session a compaction failure belongs to.
type Error struct {
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("compact %s [session=%s]: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("compact %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorClass categorizes summarizer errors for retry decisions.
type ErrorClass string

const (
	ErrorClassAuth      ErrorClass = "AUTH"
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout   ErrorClass = "TIMEOUT"
	ErrorClassBilling   ErrorClass = "BILLING"
	ErrorClassCanceled  ErrorClass = "CANCELED"
	ErrorClassConflict  ErrorClass = "CONFLICT"
	ErrorClassNoGain    ErrorClass = "NO_REDUCTION"
	ErrorClassUnknown   ErrorClass = "UNKNOWN"
)

// Retryable reports whether a later attempt could succeed without operator
// action. Credential and billing problems need a human; everything else,
// including unknown errors, is worth another try.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassAuth, ErrorClassBilling, ErrorClassNoGain:
		return false
	}
	return true
}

// ClassifyError categorizes a compaction error. Sentinels are checked
// first; provider errors fall back to message matching.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	case errors.Is(err, context.Canceled):
		return ErrorClassCanceled
	case errors.Is(err, ErrSpanChanged), errors.Is(err, window.ErrProtected):
		return ErrorClassConflict
	case errors.Is(err, ErrNoReduction):
		return ErrorClassNoGain
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	return ErrorClassUnknown
}
