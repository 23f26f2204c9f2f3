package diabetactic

import (
	"errors"
	"fmt"
)

// Common errors returned by the Diabetactic client.
var (
	// ErrNotFound is returned when an entity or queue entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a network operation is attempted while offline.
	ErrOffline = errors.New("operation unavailable while offline")

	// ErrNoUser is returned when the local store has no bound user.
	ErrNoUser = errors.New("no user bound to local store")

	// ErrAuthExpired matches any *AuthExpiredError via errors.Is.
	ErrAuthExpired = errors.New("session expired")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ConfigurationError is returned when the backend mode or platform cannot be
// resolved. It is fatal at startup.
type ConfigurationError struct {
	Field string
	Value string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: unrecognized %s %q", e.Field, e.Value)
}

// UnknownOperationError is returned when an operation key is not registered.
// It indicates a programming error and is never retried.
type UnknownOperationError struct {
	Key string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q", e.Key)
}

// AuthExpiredError is returned when the session cannot be recovered by a
// token refresh. The session has already been cleared when this is returned.
type AuthExpiredError struct {
	Operation string
	Err       error
}

func (e *AuthExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: session expired: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("auth: %s: session expired", e.Operation)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuthExpired) match.
func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

// GatewayErrorKind classifies gateway failures.
type GatewayErrorKind string

const (
	// Unavailable: no response (network failure, timeout) or retries exhausted.
	Unavailable GatewayErrorKind = "unavailable"
	// BadRequest: the backend rejected the request with a 4xx status.
	BadRequest GatewayErrorKind = "bad_request"
	// ServerError: the backend answered with a 5xx status.
	ServerError GatewayErrorKind = "server_error"
)

// GatewayError is returned when a dispatched operation fails.
// Extractable via errors.As(). Supports Unwrap().
type GatewayError struct {
	Kind       GatewayErrorKind
	Operation  string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway: %s %s", e.Operation, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed.
func (e *GatewayError) Retryable() bool {
	return e.Kind == Unavailable || e.Kind == ServerError
}

// ProfileMismatchError is returned when the local store holds data for a
// different user than the one being bound.
type ProfileMismatchError struct {
	BoundUser     string
	RequestedUser string
}

func (e *ProfileMismatchError) Error() string {
	return fmt.Sprintf("store: bound to user %q, refusing user %q without a full clear", e.BoundUser, e.RequestedUser)
}

// SyncConflictError reports a queue entry that stopped auto-retrying and
// needs user attention.
type SyncConflictError struct {
	EntryID  int64
	Kind     EntityKind
	LocalID  string
	Attempts int
	Err      error
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("sync: conflict on %s %s (entry %d, %d attempts): %v", e.Kind, e.LocalID, e.EntryID, e.Attempts, e.Err)
}

func (e *SyncConflictError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a GatewayError of kind Unavailable.
func IsUnavailable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == Unavailable
}

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable()
}
