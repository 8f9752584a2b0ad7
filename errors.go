package durable

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInstanceNotFound   = "ORC_INSTANCE_NOT_FOUND"
	ErrCodeInstanceNotRunning = "ORC_INSTANCE_NOT_RUNNING"
	ErrCodeDuplicateInstance  = "ORC_DUPLICATE_INSTANCE"
	ErrCodeNonDeterministic   = "ORC_NON_DETERMINISTIC"
	ErrCodeActivityNotFound   = "ORC_ACTIVITY_NOT_FOUND"
	ErrCodeActivityFailed     = "ORC_ACTIVITY_FAILED"
	ErrCodeTransient          = "ORC_TRANSIENT"
	ErrCodeNonRetryable       = "ORC_NON_RETRYABLE"
)

var (
	ErrInstanceNotFound = apperrors.New("orchestration instance not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrInstanceNotRunning = apperrors.New("orchestration instance is not running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInstanceNotRunning)
	ErrDuplicateInstance = apperrors.New("an active instance already exists for this id", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateInstance)
	// ErrNonDeterministic marks a replay divergence. It is fatal: the
	// instance is parked as Failed and never auto-retried.
	ErrNonDeterministic = apperrors.New("orchestration replay diverged from recorded history", apperrors.CategoryHandler).
				WithTextCode(ErrCodeNonDeterministic)
	ErrActivityNotFound = apperrors.New("no activity registered under this name", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeActivityNotFound)
)

// Transient wraps an error so the activity executor retries it per policy.
func Transient(err error, msg string) *apperrors.Error {
	return apperrors.Wrap(err, apperrors.CategoryExternal, msg).WithTextCode(ErrCodeTransient)
}

// NonRetryable wraps a business failure that must never be retried. It
// propagates to the orchestration as an explicit failure value after a single
// attempt.
func NonRetryable(err error, msg string) *apperrors.Error {
	return apperrors.Wrap(err, apperrors.CategoryHandler, msg).WithTextCode(ErrCodeNonRetryable)
}

// IsNonRetryable reports whether the error was marked NonRetryable anywhere
// in its chain.
func IsNonRetryable(err error) bool {
	return errorCode(err) == ErrCodeNonRetryable
}

// IsNonDeterministic reports whether the error is a fatal replay divergence.
func IsNonDeterministic(err error) bool {
	return errorCode(err) == ErrCodeNonDeterministic || stderrors.Is(err, ErrNonDeterministic)
}

func errorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// ErrorCode exposes the text code carried by a wrapped error, empty when the
// error is not ours.
func ErrorCode(err error) string {
	return errorCode(err)
}
