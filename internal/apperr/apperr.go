// Package apperr is the error taxonomy shared by every component: store
// failures are classified at component boundaries into a small set of
// kinds, and the UI layer only ever sees a Kind and a safe message.
package apperr

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalith-99/echosocial/internal/docstore"
)

// Kind classifies an Error for callers and transports.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAccessDenied Kind = "access_denied"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindPartial      Kind = "partial"
	KindRateLimited  Kind = "rate_limited"
	KindInternal     Kind = "internal"
)

// Error is a failed operation with its kind, step and cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Step names the protocol step that failed for KindPartial.
	Step  string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Step != "" {
		msg += " [" + e.Step + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Validation reports input the caller must fix.
func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func AccessDenied(op, message string) error {
	return &Error{Kind: KindAccessDenied, Op: op, Message: message}
}

func RateLimited(op string) error {
	return &Error{Kind: KindRateLimited, Op: op, Message: "rate limit exceeded"}
}

func NotFound(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// Partial reports that step failed after earlier steps of op committed.
// Nothing is rolled back; the caller may re-run op safely.
func Partial(op, step string, cause error) error {
	return &Error{Kind: KindPartial, Op: op, Step: step, Message: "completed partially", Cause: cause}
}

// Classify converts a store error into an *Error of the matching kind.
// Errors that are already classified pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	kind := KindInternal
	switch {
	case errors.Is(err, docstore.ErrPermissionDenied):
		kind = KindAccessDenied
	case errors.Is(err, docstore.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, docstore.ErrAlreadyExists), errors.Is(err, docstore.ErrConflict):
		kind = KindConflict
	case errors.Is(err, docstore.ErrInvalidPath), errors.Is(err, docstore.ErrBatchTooLarge):
		kind = KindValidation
	case errors.Is(err, docstore.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		kind = KindTransient
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// KindOf returns the kind of err, KindInternal for unclassified errors and
// "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Result is the structured outcome handed to the UI layer.
type Result struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ResultOf renders err for end users without exposing store details or
// rule internals.
func ResultOf(err error) Result {
	if err == nil {
		return Result{OK: true}
	}
	switch KindOf(err) {
	case KindValidation:
		var ae *Error
		if errors.As(err, &ae) && ae.Message != "" {
			return Result{Message: ae.Message}
		}
		return Result{Message: "invalid request"}
	case KindAccessDenied:
		return Result{Message: "action not allowed"}
	case KindNotFound:
		return Result{Message: "not found"}
	case KindConflict:
		return Result{Message: "this changed in the meantime, please retry", Retryable: true}
	case KindRateLimited:
		return Result{Message: "you're doing that too often, try again shortly", Retryable: true}
	case KindTransient, KindPartial:
		return Result{Message: "something went wrong, tap to retry", Retryable: true}
	}
	return Result{Message: "something went wrong"}
}
