// Package errors provides custom error types for the application.
// It defines domain-specific errors with error codes and a category taxonomy
// that drives retry and reply behavior: user-input errors become a single PR
// reply, transient errors are retried with backoff, semantic failures are
// surfaced as named diagnostics, and fatal errors stop processing until the
// configuration changes.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents application error codes
type ErrorCode string

// Error codes for different error categories
const (
	// General errors (1xxx)
	ErrCodeInternal   ErrorCode = "E1000"
	ErrCodeValidation ErrorCode = "E1001"
	ErrCodeNotFound   ErrorCode = "E1002"
	ErrCodeConflict   ErrorCode = "E1003"
	ErrCodeForbidden  ErrorCode = "E1004"

	// Forge errors (2xxx)
	ErrCodeForgeUnavailable ErrorCode = "E2001"
	ErrCodeForgeAuth        ErrorCode = "E2002"
	ErrCodeForgeNotFound    ErrorCode = "E2003"
	ErrCodePushRejected     ErrorCode = "E2004"

	// Git errors (3xxx)
	ErrCodeGitClone    ErrorCode = "E3001"
	ErrCodeGitFetch    ErrorCode = "E3002"
	ErrCodeGitConflict ErrorCode = "E3003"
	ErrCodeGitCommand  ErrorCode = "E3004"

	// Policy errors (4xxx)
	ErrCodeCheckFailed   ErrorCode = "E4001"
	ErrCodeNotReady      ErrorCode = "E4002"
	ErrCodeStaleHead     ErrorCode = "E4003"
	ErrCodeMissingIssue  ErrorCode = "E4004"
	ErrCodeCensusInvalid ErrorCode = "E4005"

	// Command errors (5xxx)
	ErrCodeUnknownCommand ErrorCode = "E5001"
	ErrCodeUnauthorized   ErrorCode = "E5002"
	ErrCodeBadArgument    ErrorCode = "E5003"

	// Issue tracker errors (6xxx)
	ErrCodeTrackerUnavailable ErrorCode = "E6001"
	ErrCodeIssueNotFound      ErrorCode = "E6002"

	// Configuration errors (7xxx)
	ErrCodeConfigNotFound ErrorCode = "E7001"
	ErrCodeConfigInvalid  ErrorCode = "E7002"
)

// Category classifies errors per the propagation policy: every caught error
// is either converted to a user-facing reply or logged and retried.
type Category int

const (
	// CategoryInternal is the default for uncategorized failures.
	CategoryInternal Category = iota
	// CategoryUser marks invalid input; surfaced as a single reply, state unchanged.
	CategoryUser
	// CategoryTransient marks retriable external failures (forge 5xx, timeouts).
	CategoryTransient
	// CategorySemantic marks failures surfaced to the PR with a named diagnostic.
	CategorySemantic
	// CategoryFatal marks misconfiguration; not retried until config changes.
	CategoryFatal
)

// AppError represents an application-level error with code and context
type AppError struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
	Category Category  `json:"-"`
	// RetryAfter is a hint for transient errors; zero means use the default backoff.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: categoryFor(code),
	}
}

// Wrap wraps an existing error with AppError
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Err:      err,
		Category: categoryFor(code),
	}
}

// WithRetryAfter sets a retry hint on a transient error
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.RetryAfter = d
	return e
}

// categoryFor maps error codes to their default category
func categoryFor(code ErrorCode) Category {
	switch code {
	case ErrCodeValidation, ErrCodeForbidden, ErrCodeUnknownCommand,
		ErrCodeUnauthorized, ErrCodeBadArgument:
		return CategoryUser
	case ErrCodeForgeUnavailable, ErrCodeGitFetch, ErrCodeGitClone,
		ErrCodeTrackerUnavailable, ErrCodePushRejected:
		return CategoryTransient
	case ErrCodeCheckFailed, ErrCodeNotReady, ErrCodeStaleHead,
		ErrCodeMissingIssue, ErrCodeGitConflict, ErrCodeIssueNotFound:
		return CategorySemantic
	case ErrCodeConfigNotFound, ErrCodeConfigInvalid, ErrCodeCensusInvalid:
		return CategoryFatal
	default:
		return CategoryInternal
	}
}

// Retryable reports whether the error should be retried with backoff.
// Internal errors are retried as well; only user, semantic and fatal
// categories are terminal within a work item.
func Retryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == CategoryTransient || appErr.Category == CategoryInternal
	}
	// Unclassified errors default to retriable; nothing is silently swallowed.
	return true
}

// CategoryOf returns the category of an error, CategoryInternal for plain errors.
func CategoryOf(err error) Category {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	return CategoryInternal
}

// MessageOf returns the user-facing message of an error: the AppError
// message when present, otherwise the plain error text.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError attempts to convert an error to AppError
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
