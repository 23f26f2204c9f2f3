package diabetactic

import (
	"context"
	"encoding/json"
	"time"
)

// LocalStore persists cached entities and the sync queue for one user.
//
// Every method except BindUser, Clear and Close requires a bound user and
// returns ErrNoUser otherwise. Implementations must be safe for concurrent
// use.
type LocalStore interface {
	// BindUser scopes the store to userID. Binding a different user while
	// any data exists returns *ProfileMismatchError.
	BindUser(ctx context.Context, userID string) error

	// UserID returns the bound user or ErrNoUser.
	UserID(ctx context.Context) (string, error)

	// Clear removes all entities, queue entries and the user binding.
	Clear(ctx context.Context) error

	// UpsertEntity writes an entity without touching the queue. Used to
	// cache server state. A server id belongs to one entity: a new entity
	// for a cached server id merges into the cached one and e is updated to
	// it; an existing entity taking a server id replaces synced copies.
	UpsertEntity(ctx context.Context, e *Entity) error

	// SaveWithEntry writes the entity and enqueues op for it atomically.
	// The entity's SyncState is set to op's pending state.
	SaveWithEntry(ctx context.Context, e *Entity, op QueueOperation) (*QueueEntry, error)

	GetEntity(ctx context.Context, kind EntityKind, localID string) (*Entity, error)
	FindByServerID(ctx context.Context, kind EntityKind, serverID string) (*Entity, error)

	// ListEntities returns entities of kind, newest first.
	ListEntities(ctx context.Context, kind EntityKind) ([]Entity, error)

	// DeleteEntity removes the entity and marks its unfinished queue
	// entries done in one transaction.
	DeleteEntity(ctx context.Context, kind EntityKind, localID string) error

	// PendingEntries returns entries with status pending ordered by EntryID.
	PendingEntries(ctx context.Context) ([]QueueEntry, error)

	// ListEntries returns entries with any of the given statuses (all when
	// none given) ordered by EntryID.
	ListEntries(ctx context.Context, statuses ...QueueStatus) ([]QueueEntry, error)

	GetEntry(ctx context.Context, entryID int64) (*QueueEntry, error)

	// MarkInFlight moves a pending entry to inFlight. It reports false when
	// the entry is not pending (already done, failed or claimed).
	MarkInFlight(ctx context.Context, entryID int64, at time.Time) (bool, error)

	// CompleteEntry marks the entry done and applies its effect to the
	// entity: a create records serverID, a delete removes the entity. A
	// non-nil payload replaces the cached payload. The entity becomes
	// synced once it has no unfinished entries left. Other synced entities
	// holding serverID are removed.
	CompleteEntry(ctx context.Context, entryID int64, serverID string, payload json.RawMessage) error

	// RescheduleEntry returns an entry to pending after a retryable failure.
	RescheduleEntry(ctx context.Context, entryID int64, attempts int, next time.Time, lastErr string) error

	// FailEntry marks the entry failed and its entity conflict atomically.
	FailEntry(ctx context.Context, entryID int64, attempts int, lastErr string) error

	// CollapseEntries marks superseded entries done without sending them.
	CollapseEntries(ctx context.Context, entryIDs []int64) error

	// ResetEntry puts a failed entry back to pending with zero attempts.
	ResetEntry(ctx context.Context, entryID int64) error

	// DismissEntry drops a failed entry at the user's request. A dismissed
	// create of a never-uploaded entity removes the entity; otherwise the
	// entity settles on its remaining entries and the next server read
	// overwrites the local copy.
	DismissEntry(ctx context.Context, entryID int64) error

	// ResetInFlight returns entries left inFlight by an interrupted run to
	// pending.
	ResetInFlight(ctx context.Context) (int, error)

	Stats(ctx context.Context) (*QueueStats, error)

	// PruneDone deletes entries completed before the cutoff.
	PruneDone(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// settledState returns the state an entity takes given its unfinished
// entries (ordered by EntryID).
func settledState(open []QueueEntry) SyncState {
	if len(open) == 0 {
		return SyncSynced
	}
	for _, e := range open {
		if e.Status == StatusFailed {
			return SyncConflict
		}
	}
	return open[len(open)-1].Operation.PendingState()
}

func isUnfinished(status QueueStatus) bool {
	return status == StatusPending || status == StatusInFlight || status == StatusFailed
}
