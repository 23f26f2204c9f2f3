package diabetactic

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type entityKey struct {
	kind    EntityKind
	localID string
}

// MemoryStore is an in-memory LocalStore. It backs tests and mock mode.
type MemoryStore struct {
	mu       sync.RWMutex
	closed   bool
	user     string
	entities map[entityKey]*Entity
	entries  map[int64]*QueueEntry
	lastID   int64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[entityKey]*Entity),
		entries:  make(map[int64]*QueueEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) check() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.user == "" {
		return ErrNoUser
	}
	return nil
}

func (s *MemoryStore) BindUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if userID == "" {
		return ErrNoUser
	}
	if s.user == userID {
		return nil
	}
	if s.user != "" && (len(s.entities) > 0 || len(s.entries) > 0) {
		return &ProfileMismatchError{BoundUser: s.user, RequestedUser: userID}
	}
	s.user = userID
	return nil
}

func (s *MemoryStore) UserID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return "", err
	}
	return s.user, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.user = ""
	s.entities = make(map[entityKey]*Entity)
	s.entries = make(map[int64]*QueueEntry)
	return nil
}

func (s *MemoryStore) UpsertEntity(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if e.ServerID != "" {
		if owner := s.serverOwner(e.Kind, e.ServerID, e.LocalID); owner != nil {
			if _, ok := s.entities[entityKey{e.Kind, e.LocalID}]; !ok {
				if owner.SyncState == SyncSynced && e.SyncState == SyncSynced {
					owner.Payload = cloneRaw(e.Payload)
					owner.UpdatedAt = s.now().UTC()
				}
				*e = *cloneEntity(owner)
				return nil
			}
			s.dropSyncedCopies(e.Kind, e.ServerID, e.LocalID)
		}
	}
	s.putEntity(e)
	return nil
}

func (s *MemoryStore) SaveWithEntry(ctx context.Context, e *Entity, op QueueOperation) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	e.SyncState = op.PendingState()
	s.putEntity(e)

	s.lastID++
	entry := &QueueEntry{
		EntryID:    s.lastID,
		Kind:       e.Kind,
		LocalID:    e.LocalID,
		Operation:  op,
		Payload:    cloneRaw(e.Payload),
		Status:     StatusPending,
		EnqueuedAt: s.now().UTC(),
	}
	s.entries[entry.EntryID] = entry

	k := entityKey{e.Kind, e.LocalID}
	if st := settledState(s.openEntries(k)); st == SyncConflict {
		s.entities[k].SyncState = st
		e.SyncState = st
	}
	c := *entry
	return &c, nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, kind EntityKind, localID string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	e, ok := s.entities[entityKey{kind, localID}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntity(e), nil
}

func (s *MemoryStore) FindByServerID(ctx context.Context, kind EntityKind, serverID string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	for k, e := range s.entities {
		if k.kind == kind && serverID != "" && e.ServerID == serverID {
			return cloneEntity(e), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListEntities(ctx context.Context, kind EntityKind) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []Entity
	for k, e := range s.entities {
		if k.kind == kind {
			out = append(out, *cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalID > out[j].LocalID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteEntity(ctx context.Context, kind EntityKind, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	k := entityKey{kind, localID}
	if _, ok := s.entities[k]; !ok {
		return ErrNotFound
	}
	s.removeEntity(k)
	return nil
}

func (s *MemoryStore) PendingEntries(ctx context.Context) ([]QueueEntry, error) {
	return s.ListEntries(ctx, StatusPending)
}

func (s *MemoryStore) ListEntries(ctx context.Context, statuses ...QueueStatus) ([]QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	want := make(map[QueueStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []QueueEntry
	for _, e := range s.entries {
		if len(want) == 0 || want[e.Status] {
			out = append(out, *cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, entryID int64) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	e, ok := s.entries[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) MarkInFlight(ctx context.Context, entryID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	e, ok := s.entries[entryID]
	if !ok || e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusInFlight
	t := at.UTC()
	e.LastAttemptAt = &t
	return true, nil
}

func (s *MemoryStore) CompleteEntry(ctx context.Context, entryID int64, serverID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusDone {
		return nil
	}
	s.markDone(e)
	e.LastError = ""
	e.NextAttemptAt = nil

	k := entityKey{e.Kind, e.LocalID}
	ent, ok := s.entities[k]
	if !ok {
		return nil
	}
	if e.Operation == QueueDelete {
		s.removeEntity(k)
		return nil
	}
	if serverID != "" {
		ent.ServerID = serverID
		s.dropSyncedCopies(k.kind, serverID, k.localID)
	}
	if payload != nil {
		ent.Payload = cloneRaw(payload)
	}
	ent.UpdatedAt = s.now().UTC()
	ent.SyncState = settledState(s.openEntries(k))
	return nil
}

func (s *MemoryStore) RescheduleEntry(ctx context.Context, entryID int64, attempts int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusPending
	e.AttemptCount = attempts
	t := next.UTC()
	e.NextAttemptAt = &t
	e.LastError = lastErr
	return nil
}

func (s *MemoryStore) FailEntry(ctx context.Context, entryID int64, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusFailed
	e.AttemptCount = attempts
	e.NextAttemptAt = nil
	e.LastError = lastErr
	if ent, ok := s.entities[entityKey{e.Kind, e.LocalID}]; ok {
		ent.SyncState = SyncConflict
		ent.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *MemoryStore) CollapseEntries(ctx context.Context, entryIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	for _, id := range entryIDs {
		if e, ok := s.entries[id]; ok && isUnfinished(e.Status) {
			s.markDone(e)
			e.LastError = "collapsed"
		}
	}
	return nil
}

func (s *MemoryStore) ResetEntry(ctx context.Context, entryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusFailed {
		return nil
	}
	e.Status = StatusPending
	e.AttemptCount = 0
	e.NextAttemptAt = nil
	k := entityKey{e.Kind, e.LocalID}
	if ent, ok := s.entities[k]; ok {
		ent.SyncState = settledState(s.openEntries(k))
	}
	return nil
}

func (s *MemoryStore) DismissEntry(ctx context.Context, entryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusFailed {
		return nil
	}
	s.markDone(e)
	k := entityKey{e.Kind, e.LocalID}
	ent, ok := s.entities[k]
	if !ok {
		return nil
	}
	if e.Operation == QueueCreate && ent.ServerID == "" {
		s.removeEntity(k)
		return nil
	}
	ent.SyncState = settledState(s.openEntries(k))
	return nil
}

func (s *MemoryStore) ResetInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range s.entries {
		if e.Status == StatusInFlight {
			e.Status = StatusPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	stats := &QueueStats{Entities: len(s.entities)}
	for _, e := range s.entries {
		switch e.Status {
		case StatusPending:
			stats.Pending++
		case StatusInFlight:
			stats.InFlight++
		case StatusFailed:
			stats.Failed++
		case StatusDone:
			stats.Done++
		}
	}
	for _, e := range s.entities {
		if e.SyncState == SyncConflict {
			stats.Conflicts++
		}
	}
	return stats, nil
}

func (s *MemoryStore) PruneDone(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	n := 0
	for id, e := range s.entries {
		done := e.EnqueuedAt
		if e.CompletedAt != nil {
			done = *e.CompletedAt
		}
		if e.Status == StatusDone && done.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// putEntity must be called with s.mu held.
func (s *MemoryStore) putEntity(e *Entity) {
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.entities[entityKey{e.Kind, e.LocalID}] = cloneEntity(e)
}

// serverOwner must be called with s.mu held. Ties go to the oldest row.
func (s *MemoryStore) serverOwner(kind EntityKind, serverID, localID string) *Entity {
	var owner *Entity
	for k, e := range s.entities {
		if k.kind != kind || k.localID == localID || e.ServerID != serverID {
			continue
		}
		if owner == nil || e.CreatedAt.Before(owner.CreatedAt) {
			owner = e
		}
	}
	return owner
}

// dropSyncedCopies must be called with s.mu held.
func (s *MemoryStore) dropSyncedCopies(kind EntityKind, serverID, localID string) {
	for k, e := range s.entities {
		if k.kind == kind && k.localID != localID && e.ServerID == serverID && e.SyncState == SyncSynced {
			delete(s.entities, k)
		}
	}
}

// markDone must be called with s.mu held.
func (s *MemoryStore) markDone(e *QueueEntry) {
	now := s.now().UTC()
	e.Status = StatusDone
	e.NextAttemptAt = nil
	e.CompletedAt = &now
}

// removeEntity must be called with s.mu held.
func (s *MemoryStore) removeEntity(k entityKey) {
	delete(s.entities, k)
	for _, e := range s.entries {
		if e.Kind == k.kind && e.LocalID == k.localID && isUnfinished(e.Status) {
			s.markDone(e)
		}
	}
}

// openEntries must be called with s.mu held.
func (s *MemoryStore) openEntries(k entityKey) []QueueEntry {
	var out []QueueEntry
	for _, e := range s.entries {
		if e.Kind == k.kind && e.LocalID == k.localID && isUnfinished(e.Status) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneEntity(e *Entity) *Entity {
	c := *e
	c.Payload = cloneRaw(e.Payload)
	return &c
}

func cloneEntry(e *QueueEntry) *QueueEntry {
	c := *e
	c.Payload = cloneRaw(e.Payload)
	return &c
}
