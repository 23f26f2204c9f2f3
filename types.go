package diabetactic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind identifies the type of a cached entity.
type EntityKind string

const (
	KindReading     EntityKind = "reading"
	KindAppointment EntityKind = "appointment"
)

// IsValid checks if the kind is known.
func (k EntityKind) IsValid() bool {
	return k == KindReading || k == KindAppointment
}

// SyncState tracks whether the local copy of an entity matches the server.
type SyncState string

const (
	SyncSynced        SyncState = "synced"
	SyncPendingCreate SyncState = "pendingCreate"
	SyncPendingUpdate SyncState = "pendingUpdate"
	SyncPendingDelete SyncState = "pendingDelete"
	SyncConflict      SyncState = "conflict"
)

// QueueOperation is the mutation a sync queue entry replays.
type QueueOperation string

const (
	QueueCreate QueueOperation = "create"
	QueueUpdate QueueOperation = "update"
	QueueDelete QueueOperation = "delete"
)

// PendingState returns the entity sync state implied by a queued operation.
func (op QueueOperation) PendingState() SyncState {
	switch op {
	case QueueCreate:
		return SyncPendingCreate
	case QueueUpdate:
		return SyncPendingUpdate
	case QueueDelete:
		return SyncPendingDelete
	default:
		return SyncConflict
	}
}

// QueueStatus is the processing status of a sync queue entry.
type QueueStatus string

const (
	StatusPending  QueueStatus = "pending"
	StatusInFlight QueueStatus = "inFlight"
	StatusFailed   QueueStatus = "failed"
	StatusDone     QueueStatus = "done"
)

// Entity is a locally cached reading or appointment.
//
// LocalID is assigned at creation and never changes; ServerID stays empty
// until the first successful upload.
type Entity struct {
	Kind      EntityKind      `json:"kind"`
	LocalID   string          `json:"local_id"`
	ServerID  string          `json:"server_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	SyncState SyncState       `json:"sync_state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the entity payload into v.
func (e *Entity) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", e.Kind, e.LocalID, err)
	}
	return nil
}

// QueueEntry is one durable pending mutation.
type QueueEntry struct {
	EntryID       int64           `json:"entry_id"`
	Kind          EntityKind      `json:"kind"`
	LocalID       string          `json:"local_id"`
	Operation     QueueOperation  `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	AttemptCount  int             `json:"attempt_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Status        QueueStatus     `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// QueueStats summarizes the sync queue for the bound user.
type QueueStats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Failed    int `json:"failed"`
	Done      int `json:"done"`
	Entities  int `json:"entities"`
	Conflicts int `json:"conflicts"`
}

// ServerID is an identifier assigned by the backend. The gateway emits both
// numeric and string ids; both decode to the same string form.
type ServerID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ServerID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ServerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("server id: %w", err)
	}
	*id = ServerID(n.String())
	return nil
}

// Reading is a glucose measurement.
type Reading struct {
	ID           ServerID  `json:"id,omitempty"`
	GlucoseLevel float64   `json:"glucose_level"`
	ReadingType  string    `json:"reading_type"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Appointment is a clinic appointment request.
type Appointment struct {
	ID        ServerID  `json:"id,omitempty"`
	Date      string    `json:"date"`
	Reason    string    `json:"reason,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is the authenticated user as returned by auth.profile.
type Profile struct {
	ID              ServerID `json:"id,omitempty"`
	DNI             string   `json:"dni"`
	Name            string   `json:"name"`
	Surname         string   `json:"surname"`
	Email           string   `json:"email"`
	HospitalAccount string   `json:"hospital_account,omitempty"`
	Blocked         bool     `json:"blocked"`
	TimesMeasured   int      `json:"times_measured"`
	Streak          int      `json:"streak"`
	MaxStreak       int      `json:"max_streak"`
}

// UserID returns the identity used to scope local data.
func (p *Profile) UserID() string {
	if p.ID != "" {
		return string(p.ID)
	}
	return p.DNI
}

// TokenResponse is the OAuth2-style body returned by the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status string `json:"status"`
}

// Ready reports whether the backend declared itself ready.
func (h *HealthStatus) Ready() bool {
	return h != nil && h.Status == "ok"
}

// AppointmentQueueState is the user's position in the appointment queue.
type AppointmentQueueState struct {
	State string `json:"state"`
}

// AppointmentPlacement is the numeric placement in the appointment queue.
type AppointmentPlacement struct {
	Placement int `json:"placement"`
}

// AppointmentResolution is the clinical resolution of an appointment.
type AppointmentResolution struct {
	AppointmentID ServerID `json:"appointment_id"`
	Status        string   `json:"status"`
	Notes         string   `json:"notes,omitempty"`
}

// AppointmentSubmission is returned when joining the appointment queue.
type AppointmentSubmission struct {
	State     string `json:"state"`
	Placement int    `json:"placement"`
}
