package diabetactic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock advances when slept on, so backoff waits finish instantly.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

type syncFixture struct {
	ctx    context.Context
	mock   *MockBackend
	d      *Dispatcher
	store  *MemoryStore
	clock  *fakeClock
	syncer *Syncer
}

// newSyncFixture wires a syncer to the mock backend. wrap, when set, sits
// in front of the mock.
func newSyncFixture(t *testing.T, wrap func(http.Handler) http.Handler, opts SyncerOptions) *syncFixture {
	t.Helper()
	f := &syncFixture{
		ctx:   context.Background(),
		mock:  NewMockBackend(MockOptions{}),
		store: NewMemoryStore(),
		clock: newFakeClock(),
	}
	var h http.Handler = f.mock
	if wrap != nil {
		h = wrap(f.mock)
	}
	f.d = newTestDispatcher(t, h, nil)
	loginDispatcher(t, f.d)
	require.NoError(t, f.store.BindUser(f.ctx, "1"))

	opts.Now = f.clock.Now
	opts.Sleep = f.clock.Sleep
	f.syncer = NewSyncer(f.store, f.d, opts)
	return f
}

func (f *syncFixture) queue(t *testing.T, localID string, level float64, op QueueOperation) *QueueEntry {
	t.Helper()
	e, err := f.store.GetEntity(f.ctx, KindReading, localID)
	if errors.Is(err, ErrNotFound) {
		e = &Entity{Kind: KindReading, LocalID: localID}
	} else {
		require.NoError(t, err)
	}
	e.Payload, err = json.Marshal(Reading{GlucoseLevel: level, ReadingType: "fasting"})
	require.NoError(t, err)

	entry, err := f.store.SaveWithEntry(f.ctx, e, op)
	require.NoError(t, err)
	return entry
}

func (f *syncFixture) serverReadings(t *testing.T) []Reading {
	t.Helper()
	var list struct {
		Readings []Reading `json:"readings"`
	}
	require.NoError(t, f.d.ExecuteJSON(f.ctx, OpGlucoseMine, ListParams{}, nil, &list))
	return list.Readings
}

// failPath answers every request to path with status.
func failPath(path string, status int, failing *atomic.Bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path && (failing == nil || failing.Load()) {
				writeMockError(w, status, "rejected")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestCollapse(t *testing.T) {
	c := QueueEntry{EntryID: 1, Operation: QueueCreate}
	u := QueueEntry{EntryID: 2, Operation: QueueUpdate}
	d := QueueEntry{EntryID: 3, Operation: QueueDelete}

	tests := []struct {
		name       string
		in         []QueueEntry
		keep       []int64
		superseded []int64
	}{
		{"no delete", []QueueEntry{c, u}, []int64{1, 2}, nil},
		{"delete only", []QueueEntry{d}, []int64{3}, nil},
		{"create update delete", []QueueEntry{c, u, d}, []int64{3}, []int64{1, 2}},
		{"update delete", []QueueEntry{u, d}, []int64{3}, []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, superseded := collapse(tt.in)
			var ids []int64
			for _, e := range keep {
				ids = append(ids, e.EntryID)
			}
			require.Equal(t, tt.keep, ids)
			require.Equal(t, tt.superseded, superseded)
		})
	}
}

func TestSyncer_DrainsOfflineWrites(t *testing.T) {
	f := newSyncFixture(t, nil, SyncerOptions{})
	for i := 0; i < 5; i++ {
		f.queue(t, fmt.Sprintf("r%d", i), float64(100+i), QueueCreate)
	}

	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerConnectivity))

	require.Equal(t, 5, f.mock.Calls(http.MethodPost, "/glucose/create"))
	require.Len(t, f.serverReadings(t), 5)

	entities, err := f.store.ListEntities(f.ctx, KindReading)
	require.NoError(t, err)
	require.Len(t, entities, 5)
	for _, e := range entities {
		require.Equal(t, SyncSynced, e.SyncState, e.LocalID)
		require.NotEmpty(t, e.ServerID, e.LocalID)
	}

	st, err := f.syncer.Status(f.ctx)
	require.NoError(t, err)
	require.Equal(t, SyncerIdle, st.State)
	require.Equal(t, 5, st.LastRun.Sent)
	require.Equal(t, TriggerConnectivity, st.LastRun.Trigger)
	require.Equal(t, 0, st.QueueStats.Pending)
	require.Equal(t, 5, st.QueueStats.Done)
	require.Empty(t, st.LastError)
}

func TestSyncer_ReplaysEntityInOrder(t *testing.T) {
	f := newSyncFixture(t, nil, SyncerOptions{})
	f.queue(t, "r1", 100, QueueCreate)
	f.queue(t, "r1", 140, QueueUpdate)

	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerManual))

	readings := f.serverReadings(t)
	require.Len(t, readings, 1)
	require.Equal(t, 140.0, readings[0].GlucoseLevel)
	require.Equal(t, 1, f.mock.Calls(http.MethodPut, "/glucose/"+string(readings[0].ID)))

	e, err := f.store.GetEntity(f.ctx, KindReading, "r1")
	require.NoError(t, err)
	require.Equal(t, string(readings[0].ID), e.ServerID)
	require.Equal(t, SyncSynced, e.SyncState)
}

func TestSyncer_DeleteOfNeverUploadedEntitySendsNothing(t *testing.T) {
	f := newSyncFixture(t, nil, SyncerOptions{})
	f.queue(t, "r1", 100, QueueCreate)
	f.queue(t, "r1", 110, QueueUpdate)
	f.queue(t, "r1", 110, QueueDelete)

	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerManual))

	require.Equal(t, 0, f.mock.Calls(http.MethodPost, "/glucose/create"))
	_, err := f.store.GetEntity(f.ctx, KindReading, "r1")
	require.ErrorIs(t, err, ErrNotFound)

	st, err := f.syncer.Status(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 3, st.LastRun.Collapsed)
	require.Equal(t, 0, st.LastRun.Sent)
	require.Equal(t, 0, st.QueueStats.Pending)
}

func TestSyncer_UpdateBeforeDeleteCollapsed(t *testing.T) {
	f := newSyncFixture(t, nil, SyncerOptions{})
	f.queue(t, "r1", 100, QueueCreate)
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerManual))

	f.queue(t, "r1", 120, QueueUpdate)
	f.queue(t, "r1", 120, QueueDelete)
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerManual))

	require.Empty(t, f.serverReadings(t))
	st, err := f.syncer.Status(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.LastRun.Sent)
	require.Equal(t, 1, st.LastRun.Collapsed)

	_, err = f.store.GetEntity(f.ctx, KindReading, "r1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncer_DoneEntryNotReplayed(t *testing.T) {
	f := newSyncFixture(t, nil, SyncerOptions{})
	entry := f.queue(t, "r1", 100, QueueCreate)
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerManual))
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerForeground))

	require.Equal(t, 1, f.mock.Calls(http.MethodPost, "/glucose/create"))

	claimed, err := f.store.MarkInFlight(f.ctx, entry.EntryID, f.clock.Now())
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestSyncer_RetryableFailureBecomesConflict(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	f := newSyncFixture(t, failPath("/glucose/create", http.StatusInternalServerError, &failing), SyncerOptions{})
	entry := f.queue(t, "r1", 100, QueueCreate)

	err := f.syncer.Trigger(f.ctx, TriggerManual)
	var ce *SyncConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, entry.EntryID, ce.EntryID)
	require.Equal(t, DefaultMaxSyncAttempts, ce.Attempts)
	require.True(t, IsRetryable(ce))

	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, f.clock.sleeps())

	e, err := f.store.GetEntity(f.ctx, KindReading, "r1")
	require.NoError(t, err)
	require.Equal(t, SyncConflict, e.SyncState)

	conflicts, err := f.syncer.Conflicts(f.ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, DefaultMaxSyncAttempts, conflicts[0].AttemptCount)

	st, err := f.syncer.Status(f.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, st.LastError)
	require.Equal(t, 4, st.LastRun.Rescheduled)

	failing.Store(false)
	require.NoError(t, f.syncer.RetryConflict(f.ctx, entry.EntryID))
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerManual))

	e, err = f.store.GetEntity(f.ctx, KindReading, "r1")
	require.NoError(t, err)
	require.Equal(t, SyncSynced, e.SyncState)
	require.Len(t, f.serverReadings(t), 1)
}

func TestSyncer_BackoffIsCapped(t *testing.T) {
	f := newSyncFixture(t, failPath("/glucose/create", http.StatusInternalServerError, nil), SyncerOptions{
		MaxAttempts: 4,
		BackoffBase: 10 * time.Second,
		BackoffCap:  15 * time.Second,
	})
	f.queue(t, "r1", 100, QueueCreate)

	require.Error(t, f.syncer.Trigger(f.ctx, TriggerManual))
	require.Equal(t, []time.Duration{10 * time.Second, 15 * time.Second, 15 * time.Second}, f.clock.sleeps())
}

func TestSyncer_RejectedWriteIsImmediateConflict(t *testing.T) {
	var hits *hitCounter
	reject := failPath("/glucose/create", http.StatusUnprocessableEntity, nil)
	f := newSyncFixture(t, func(next http.Handler) http.Handler {
		hits = countHits(reject(next))
		return hits
	}, SyncerOptions{})
	entry := f.queue(t, "r1", 100, QueueCreate)
	f.queue(t, "r2", 100, QueueCreate)

	err := f.syncer.Trigger(f.ctx, TriggerManual)
	var ce *SyncConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, 1, ce.Attempts)
	require.Empty(t, f.clock.sleeps())
	require.Equal(t, 2, hits.count(http.MethodPost, "/glucose/create"))
	require.Zero(t, f.mock.Calls(http.MethodPost, "/glucose/create"))

	stats, err := f.store.Stats(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Failed)
	require.Equal(t, 2, stats.Conflicts)

	require.NoError(t, f.syncer.DismissConflict(f.ctx, entry.EntryID))
	_, err = f.store.GetEntity(f.ctx, KindReading, "r1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncer_ConflictBlocksLaterEntries(t *testing.T) {
	f := newSyncFixture(t, failPath("/glucose/create", http.StatusUnprocessableEntity, nil), SyncerOptions{})
	f.queue(t, "r1", 100, QueueCreate)
	require.Error(t, f.syncer.Trigger(f.ctx, TriggerManual))

	f.queue(t, "r1", 130, QueueUpdate)
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerManual))

	pending, err := f.store.PendingEntries(f.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, QueueUpdate, pending[0].Operation)

	e, err := f.store.GetEntity(f.ctx, KindReading, "r1")
	require.NoError(t, err)
	require.Equal(t, SyncConflict, e.SyncState)
}

func TestSyncer_OfflineTrigger(t *testing.T) {
	f := newSyncFixture(t, nil, SyncerOptions{})
	f.queue(t, "r1", 100, QueueCreate)
	f.syncer.SetOnline(false)

	err := f.syncer.Trigger(f.ctx, TriggerManual)
	require.ErrorIs(t, err, ErrOffline)
	require.Equal(t, 0, f.mock.Calls(http.MethodPost, "/glucose/create"))

	f.syncer.SetOnline(true)
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerConnectivity))
	require.Equal(t, 1, f.mock.Calls(http.MethodPost, "/glucose/create"))
}

func TestSyncer_UnreachableStopsRun(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.BindUser(ctx, "1"))
	payload, _ := json.Marshal(Reading{GlucoseLevel: 100, ReadingType: "fasting"})
	_, err := store.SaveWithEntry(ctx, &Entity{Kind: KindReading, LocalID: "r1", Payload: payload}, QueueCreate)
	require.NoError(t, err)

	d := NewDispatcher(BackendConfig{Mode: ModeLocal, BaseURL: base, RequestTimeout: time.Second}, DispatcherOptions{
		Retry: RetryPolicy{Sleep: noSleep},
	})
	clock := newFakeClock()
	s := NewSyncer(store, d, SyncerOptions{Now: clock.Now, Sleep: clock.Sleep})

	require.NoError(t, s.Trigger(ctx, TriggerManual))
	require.Empty(t, clock.sleeps())

	pending, err := store.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].AttemptCount)
	require.NotNil(t, pending[0].NextAttemptAt)
}

func TestSyncer_AuthExpiredAbortsRun(t *testing.T) {
	f := newSyncFixture(t, nil, SyncerOptions{})
	f.queue(t, "r1", 100, QueueCreate)
	f.mock.RevokeSessions()

	err := f.syncer.Trigger(f.ctx, TriggerManual)
	require.ErrorIs(t, err, ErrAuthExpired)

	pending, err := f.store.PendingEntries(f.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 0, pending[0].AttemptCount)

	st, err := f.syncer.Status(f.ctx)
	require.NoError(t, err)
	require.Equal(t, SyncerIdle, st.State)
}

func TestSyncer_TriggerDuringRunFoldsIntoRerun(t *testing.T) {
	release := make(chan struct{})
	var held atomic.Int32
	gate := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/glucose/create" {
				held.Add(1)
				<-release
			}
			next.ServeHTTP(w, r)
		})
	}
	f := newSyncFixture(t, gate, SyncerOptions{})
	f.queue(t, "r1", 100, QueueCreate)

	first := make(chan error, 1)
	go func() { first <- f.syncer.Trigger(f.ctx, TriggerManual) }()
	require.Eventually(t, func() bool { return held.Load() == 1 }, time.Second, time.Millisecond)

	f.queue(t, "r2", 110, QueueCreate)
	require.NoError(t, f.syncer.Trigger(f.ctx, TriggerForeground))

	close(release)
	require.NoError(t, <-first)
	require.Equal(t, 2, f.mock.Calls(http.MethodPost, "/glucose/create"))

	stats, err := f.store.Stats(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
}

func TestSyncer_BoundedConcurrency(t *testing.T) {
	release := make(chan struct{})
	var cur, peak atomic.Int32
	gate := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/glucose/create" {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				defer cur.Add(-1)
			}
			next.ServeHTTP(w, r)
		})
	}
	f := newSyncFixture(t, gate, SyncerOptions{Concurrency: 2})
	for i := 0; i < 5; i++ {
		f.queue(t, fmt.Sprintf("r%d", i), 100, QueueCreate)
	}

	done := make(chan error, 1)
	go func() { done <- f.syncer.Trigger(f.ctx, TriggerManual) }()
	require.Eventually(t, func() bool { return cur.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), cur.Load())

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int32(2), peak.Load())
	require.Equal(t, 5, f.mock.Calls(http.MethodPost, "/glucose/create"))
}
