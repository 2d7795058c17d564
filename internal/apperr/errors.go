// Package apperr defines the error kinds surfaced by the chat core.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/simplechat/internal/backend"
)

// ValidationError is returned for bad user input. It is not retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError is returned when the caller may not perform Op on Resource.
type AuthorizationError struct {
	Op       string
	UserID   string
	Resource string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %q may not %s %s", e.UserID, e.Op, e.Resource)
}

// BackendError wraps a failed backend call.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NotFound reports whether the backend said the row does not exist, as opposed
// to a transport failure.
func (e *BackendError) NotFound() bool {
	return errors.Is(e.Err, backend.ErrNotFound)
}

// Backend wraps err as a BackendError unless it already carries a kind from this package.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		be *BackendError
		te *TimeoutError
	)
	if errors.As(err, &be) || errors.As(err, &te) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

// SendError is a failed send. Body is the text the user typed, kept for a manual retry.
type SendError struct {
	ChatID string
	Body   string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to chat %s: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ChatCreationError is a multi-step chat creation that stopped partway.
// ChatID is set when the chat row was created before the failure.
type ChatCreationError struct {
	Stage  string
	ChatID string
	Err    error
}

func (e *ChatCreationError) Error() string {
	if e.ChatID == "" {
		return fmt.Sprintf("create chat (%s): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("create chat %s (%s): %v", e.ChatID, e.Stage, e.Err)
}

func (e *ChatCreationError) Unwrap() error { return e.Err }

// TimeoutError is a backend call that did not finish within its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
