package diabetactic_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/diabetactic/diabetactic-go"
)

func TestSentinelErrors_ErrorsIs(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
	}{
		{"ErrNotFound", diabetactic.ErrNotFound},
		{"ErrOffline", diabetactic.ErrOffline},
		{"ErrStoreClosed", diabetactic.ErrStoreClosed},
		{"ErrNoUser", diabetactic.ErrNoUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("operation failed: %w", tt.sentinel)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(wrapped, %v) = false, want true", tt.sentinel)
			}
		})
	}
}

func TestValidationError_ErrorFormat(t *testing.T) {
	err := &diabetactic.ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	want := "config: LocalPath: required: path to SQLite database"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConfigurationError_ErrorFormat(t *testing.T) {
	err := &diabetactic.ConfigurationError{Field: "mode", Value: "staging"}
	want := `configuration: unrecognized mode "staging"`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAuthExpiredError_MatchesSentinel(t *testing.T) {
	inner := errors.New("HTTP 401: ")
	err := fmt.Errorf("sync: %w", &diabetactic.AuthExpiredError{Operation: "glucose.mine", Err: inner})

	if !errors.Is(err, diabetactic.ErrAuthExpired) {
		t.Error("errors.Is(err, ErrAuthExpired) = false, want true")
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is(err, inner) = false, want true")
	}

	var ae *diabetactic.AuthExpiredError
	if !errors.As(err, &ae) {
		t.Fatal("errors.As failed to extract AuthExpiredError")
	}
	if ae.Operation != "glucose.mine" {
		t.Errorf("Operation = %q, want %q", ae.Operation, "glucose.mine")
	}
}

func TestGatewayError_ErrorsAs(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("wrap: %w", &diabetactic.GatewayError{
		Kind:      diabetactic.Unavailable,
		Operation: "glucose.mine",
		Attempts:  3,
		Err:       inner,
	})

	var ge *diabetactic.GatewayError
	if !errors.As(err, &ge) {
		t.Fatal("errors.As failed to extract GatewayError")
	}
	if ge.Kind != diabetactic.Unavailable {
		t.Errorf("Kind = %q, want %q", ge.Kind, diabetactic.Unavailable)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is(err, inner) = false, want true")
	}
	want := "gateway: glucose.mine unavailable after 3 attempts: connection refused"
	if got := ge.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestGatewayError_Retryable(t *testing.T) {
	tests := []struct {
		kind diabetactic.GatewayErrorKind
		want bool
	}{
		{diabetactic.Unavailable, true},
		{diabetactic.ServerError, true},
		{diabetactic.BadRequest, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := &diabetactic.GatewayError{Kind: tt.kind, Operation: "health"}
			if got := diabetactic.IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}

	if diabetactic.IsRetryable(errors.New("plain")) {
		t.Error("IsRetryable(plain error) = true, want false")
	}
	if !diabetactic.IsUnavailable(&diabetactic.GatewayError{Kind: diabetactic.Unavailable}) {
		t.Error("IsUnavailable() = false, want true")
	}
}

func TestSyncConflictError_Unwrap(t *testing.T) {
	inner := &diabetactic.GatewayError{Kind: diabetactic.BadRequest, Operation: "glucose.create", StatusCode: 422}
	err := &diabetactic.SyncConflictError{EntryID: 7, Kind: diabetactic.KindReading, LocalID: "r1", Attempts: 1, Err: inner}

	var ge *diabetactic.GatewayError
	if !errors.As(err, &ge) {
		t.Fatal("errors.As failed to extract wrapped GatewayError")
	}
	if ge.StatusCode != 422 {
		t.Errorf("StatusCode = %d, want 422", ge.StatusCode)
	}
}

func TestProfileMismatchError_ErrorsAs(t *testing.T) {
	err := fmt.Errorf("login: %w", &diabetactic.ProfileMismatchError{BoundUser: "1", RequestedUser: "2"})
	var pm *diabetactic.ProfileMismatchError
	if !errors.As(err, &pm) {
		t.Fatal("errors.As failed to extract ProfileMismatchError")
	}
	if pm.BoundUser != "1" {
		t.Errorf("BoundUser = %q, want %q", pm.BoundUser, "1")
	}
}
