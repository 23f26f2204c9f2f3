package diabetactic

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// storeFactories returns one constructor per LocalStore implementation so
// every behavior below runs against both.
func storeFactories() map[string]func(t *testing.T) LocalStore {
	return map[string]func(t *testing.T) LocalStore{
		"memory": func(t *testing.T) LocalStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) LocalStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "test.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s LocalStore)) {
	t.Helper()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func boundStore(t *testing.T, s LocalStore) context.Context {
	t.Helper()
	ctx := context.Background()
	if err := s.BindUser(ctx, "1"); err != nil {
		t.Fatalf("BindUser failed: %v", err)
	}
	return ctx
}

func testReading(localID string, level float64) *Entity {
	payload, _ := json.Marshal(Reading{GlucoseLevel: level, ReadingType: "OTRO"})
	return &Entity{Kind: KindReading, LocalID: localID, Payload: payload}
}

func TestStore_RequiresBoundUser(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := context.Background()
		if _, err := s.ListEntities(ctx, KindReading); !errors.Is(err, ErrNoUser) {
			t.Errorf("ListEntities error = %v, want ErrNoUser", err)
		}
		if _, err := s.SaveWithEntry(ctx, testReading("r1", 100), QueueCreate); !errors.Is(err, ErrNoUser) {
			t.Errorf("SaveWithEntry error = %v, want ErrNoUser", err)
		}
	})
}

func TestStore_BindUser_RejectsOtherUserWithData(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		if err := s.BindUser(ctx, "1"); err != nil {
			t.Fatalf("rebinding same user failed: %v", err)
		}
		if _, err := s.SaveWithEntry(ctx, testReading("r1", 100), QueueCreate); err != nil {
			t.Fatalf("SaveWithEntry failed: %v", err)
		}

		err := s.BindUser(ctx, "2")
		var mismatch *ProfileMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("BindUser error = %v, want *ProfileMismatchError", err)
		}
		if mismatch.BoundUser != "1" || mismatch.RequestedUser != "2" {
			t.Errorf("mismatch = %+v", mismatch)
		}

		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		if err := s.BindUser(ctx, "2"); err != nil {
			t.Errorf("BindUser after Clear failed: %v", err)
		}
	})
}

func TestStore_BindUser_SwitchesWhenEmpty(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		if err := s.BindUser(ctx, "2"); err != nil {
			t.Fatalf("BindUser failed: %v", err)
		}
		user, err := s.UserID(ctx)
		if err != nil {
			t.Fatalf("UserID failed: %v", err)
		}
		if user != "2" {
			t.Errorf("UserID = %q, want %q", user, "2")
		}
	})
}

func TestStore_SaveWithEntry(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)

		entry, err := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate)
		if err != nil {
			t.Fatalf("SaveWithEntry failed: %v", err)
		}
		if entry.EntryID == 0 {
			t.Error("EntryID not assigned")
		}
		if entry.Status != StatusPending {
			t.Errorf("Status = %q, want %q", entry.Status, StatusPending)
		}

		e, err := s.GetEntity(ctx, KindReading, "r1")
		if err != nil {
			t.Fatalf("GetEntity failed: %v", err)
		}
		if e.SyncState != SyncPendingCreate {
			t.Errorf("SyncState = %q, want %q", e.SyncState, SyncPendingCreate)
		}
		var r Reading
		if err := e.Decode(&r); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if r.GlucoseLevel != 120 {
			t.Errorf("GlucoseLevel = %v, want 120", r.GlucoseLevel)
		}

		pending, err := s.PendingEntries(ctx)
		if err != nil {
			t.Fatalf("PendingEntries failed: %v", err)
		}
		if len(pending) != 1 || pending[0].EntryID != entry.EntryID {
			t.Errorf("PendingEntries = %+v", pending)
		}
	})
}

func TestStore_ListEntities_NewestFirst(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			e := testReading(id, float64(100+i))
			e.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			if err := s.UpsertEntity(ctx, e); err != nil {
				t.Fatalf("UpsertEntity failed: %v", err)
			}
		}

		got, err := s.ListEntities(ctx, KindReading)
		if err != nil {
			t.Fatalf("ListEntities failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[0].LocalID != "c" || got[2].LocalID != "a" {
			t.Errorf("order = %s,%s,%s", got[0].LocalID, got[1].LocalID, got[2].LocalID)
		}

		appts, err := s.ListEntities(ctx, KindAppointment)
		if err != nil {
			t.Fatalf("ListEntities failed: %v", err)
		}
		if len(appts) != 0 {
			t.Errorf("appointments = %d, want 0", len(appts))
		}
	})
}

func TestStore_CompleteEntry_Create(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		entry, _ := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate)

		claimed, err := s.MarkInFlight(ctx, entry.EntryID, time.Now())
		if err != nil || !claimed {
			t.Fatalf("MarkInFlight = %v, %v", claimed, err)
		}
		if err := s.CompleteEntry(ctx, entry.EntryID, "42", nil); err != nil {
			t.Fatalf("CompleteEntry failed: %v", err)
		}

		e, err := s.FindByServerID(ctx, KindReading, "42")
		if err != nil {
			t.Fatalf("FindByServerID failed: %v", err)
		}
		if e.LocalID != "r1" || e.SyncState != SyncSynced {
			t.Errorf("entity = %s/%s, want r1/synced", e.LocalID, e.SyncState)
		}

		// Completing again is a no-op.
		if err := s.CompleteEntry(ctx, entry.EntryID, "99", nil); err != nil {
			t.Fatalf("second CompleteEntry failed: %v", err)
		}
		e, _ = s.GetEntity(ctx, KindReading, "r1")
		if e.ServerID != "42" {
			t.Errorf("ServerID = %q, want %q", e.ServerID, "42")
		}

		claimed, err = s.MarkInFlight(ctx, entry.EntryID, time.Now())
		if err != nil {
			t.Fatalf("MarkInFlight failed: %v", err)
		}
		if claimed {
			t.Error("done entry was claimed again")
		}
	})
}

func TestStore_CompleteEntry_KeepsPendingWhileEntriesRemain(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		create, _ := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate)
		if _, err := s.SaveWithEntry(ctx, testReading("r1", 130), QueueUpdate); err != nil {
			t.Fatalf("SaveWithEntry failed: %v", err)
		}

		if err := s.CompleteEntry(ctx, create.EntryID, "42", nil); err != nil {
			t.Fatalf("CompleteEntry failed: %v", err)
		}
		e, _ := s.GetEntity(ctx, KindReading, "r1")
		if e.SyncState != SyncPendingUpdate {
			t.Errorf("SyncState = %q, want %q", e.SyncState, SyncPendingUpdate)
		}
	})
}

func TestStore_CompleteEntry_DeleteRemovesEntity(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		e := testReading("r1", 120)
		e.ServerID = "42"
		e.SyncState = SyncSynced
		if err := s.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("UpsertEntity failed: %v", err)
		}
		del, err := s.SaveWithEntry(ctx, e, QueueDelete)
		if err != nil {
			t.Fatalf("SaveWithEntry failed: %v", err)
		}
		if err := s.CompleteEntry(ctx, del.EntryID, "", nil); err != nil {
			t.Fatalf("CompleteEntry failed: %v", err)
		}
		if _, err := s.GetEntity(ctx, KindReading, "r1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetEntity error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_FailEntry_MarksConflict(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		entry, _ := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate)

		if err := s.FailEntry(ctx, entry.EntryID, 5, "HTTP 500"); err != nil {
			t.Fatalf("FailEntry failed: %v", err)
		}

		e, _ := s.GetEntity(ctx, KindReading, "r1")
		if e.SyncState != SyncConflict {
			t.Errorf("SyncState = %q, want %q", e.SyncState, SyncConflict)
		}
		got, _ := s.GetEntry(ctx, entry.EntryID)
		if got.Status != StatusFailed || got.AttemptCount != 5 || got.LastError != "HTTP 500" {
			t.Errorf("entry = %+v", got)
		}

		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Failed != 1 || stats.Conflicts != 1 || stats.Pending != 0 {
			t.Errorf("stats = %+v", stats)
		}
	})
}

func TestStore_ResetEntry(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		entry, _ := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate)
		_ = s.FailEntry(ctx, entry.EntryID, 5, "boom")

		if err := s.ResetEntry(ctx, entry.EntryID); err != nil {
			t.Fatalf("ResetEntry failed: %v", err)
		}
		got, _ := s.GetEntry(ctx, entry.EntryID)
		if got.Status != StatusPending || got.AttemptCount != 0 {
			t.Errorf("entry = %+v", got)
		}
		e, _ := s.GetEntity(ctx, KindReading, "r1")
		if e.SyncState != SyncPendingCreate {
			t.Errorf("SyncState = %q, want %q", e.SyncState, SyncPendingCreate)
		}
	})
}

func TestStore_DismissEntry_NeverUploadedCreate(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		entry, _ := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate)
		_ = s.FailEntry(ctx, entry.EntryID, 1, "HTTP 422")

		if err := s.DismissEntry(ctx, entry.EntryID); err != nil {
			t.Fatalf("DismissEntry failed: %v", err)
		}
		if _, err := s.GetEntity(ctx, KindReading, "r1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetEntity error = %v, want ErrNotFound", err)
		}
		got, _ := s.GetEntry(ctx, entry.EntryID)
		if got.Status != StatusDone {
			t.Errorf("Status = %q, want %q", got.Status, StatusDone)
		}
	})
}

func TestStore_DismissEntry_UploadedEntitySettles(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		e := testReading("r1", 120)
		e.ServerID = "42"
		upd, _ := s.SaveWithEntry(ctx, e, QueueUpdate)
		_ = s.FailEntry(ctx, upd.EntryID, 5, "HTTP 500")

		if err := s.DismissEntry(ctx, upd.EntryID); err != nil {
			t.Fatalf("DismissEntry failed: %v", err)
		}
		got, err := s.GetEntity(ctx, KindReading, "r1")
		if err != nil {
			t.Fatalf("GetEntity failed: %v", err)
		}
		if got.SyncState != SyncSynced {
			t.Errorf("SyncState = %q, want %q", got.SyncState, SyncSynced)
		}
	})
}

func TestStore_DeleteEntity_ClosesEntries(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		entry, _ := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate)

		if err := s.DeleteEntity(ctx, KindReading, "r1"); err != nil {
			t.Fatalf("DeleteEntity failed: %v", err)
		}
		got, _ := s.GetEntry(ctx, entry.EntryID)
		if got.Status != StatusDone {
			t.Errorf("Status = %q, want %q", got.Status, StatusDone)
		}
		if err := s.DeleteEntity(ctx, KindReading, "r1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteEntity error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_RescheduleAndResetInFlight(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		a, _ := s.SaveWithEntry(ctx, testReading("a", 100), QueueCreate)
		b, _ := s.SaveWithEntry(ctx, testReading("b", 110), QueueCreate)

		next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		if err := s.RescheduleEntry(ctx, a.EntryID, 2, next, "HTTP 503"); err != nil {
			t.Fatalf("RescheduleEntry failed: %v", err)
		}
		got, _ := s.GetEntry(ctx, a.EntryID)
		if got.AttemptCount != 2 || got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
			t.Errorf("rescheduled entry = %+v", got)
		}

		if _, err := s.MarkInFlight(ctx, b.EntryID, time.Now()); err != nil {
			t.Fatalf("MarkInFlight failed: %v", err)
		}
		n, err := s.ResetInFlight(ctx)
		if err != nil {
			t.Fatalf("ResetInFlight failed: %v", err)
		}
		if n != 1 {
			t.Errorf("ResetInFlight = %d, want 1", n)
		}
		got, _ = s.GetEntry(ctx, b.EntryID)
		if got.Status != StatusPending {
			t.Errorf("Status = %q, want %q", got.Status, StatusPending)
		}
	})
}

func TestStore_CollapseAndPrune(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		a, _ := s.SaveWithEntry(ctx, testReading("a", 100), QueueCreate)
		b, _ := s.SaveWithEntry(ctx, testReading("a", 101), QueueUpdate)

		if err := s.CollapseEntries(ctx, []int64{a.EntryID, b.EntryID}); err != nil {
			t.Fatalf("CollapseEntries failed: %v", err)
		}
		done, err := s.ListEntries(ctx, StatusDone)
		if err != nil {
			t.Fatalf("ListEntries failed: %v", err)
		}
		if len(done) != 2 {
			t.Fatalf("done = %d, want 2", len(done))
		}

		n, err := s.PruneDone(ctx, time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("PruneDone failed: %v", err)
		}
		if n != 2 {
			t.Errorf("PruneDone = %d, want 2", n)
		}
		all, _ := s.ListEntries(ctx)
		if len(all) != 0 {
			t.Errorf("entries left = %d, want 0", len(all))
		}
	})
}

func TestStore_CompleteEntry_AbsorbsCachedCopy(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		entry, err := s.SaveWithEntry(ctx, testReading("local", 120), QueueCreate)
		if err != nil {
			t.Fatalf("SaveWithEntry failed: %v", err)
		}

		// A list refresh cached the server record before the upload completed.
		cached := testReading("refreshed", 120)
		cached.ServerID = "srv-1"
		cached.SyncState = SyncSynced
		if err := s.UpsertEntity(ctx, cached); err != nil {
			t.Fatalf("UpsertEntity failed: %v", err)
		}

		if err := s.CompleteEntry(ctx, entry.EntryID, "srv-1", nil); err != nil {
			t.Fatalf("CompleteEntry failed: %v", err)
		}
		list, err := s.ListEntities(ctx, KindReading)
		if err != nil {
			t.Fatalf("ListEntities failed: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("entities = %d, want 1", len(list))
		}
		if list[0].LocalID != "local" || list[0].ServerID != "srv-1" || list[0].SyncState != SyncSynced {
			t.Errorf("entity = %s/%s/%s, want local/srv-1/synced", list[0].LocalID, list[0].ServerID, list[0].SyncState)
		}
	})
}

func TestStore_UpsertEntity_MergesByServerID(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		first := testReading("first", 120)
		first.ServerID = "srv-1"
		first.SyncState = SyncSynced
		if err := s.UpsertEntity(ctx, first); err != nil {
			t.Fatalf("UpsertEntity failed: %v", err)
		}

		second := testReading("second", 135)
		second.ServerID = "srv-1"
		second.SyncState = SyncSynced
		if err := s.UpsertEntity(ctx, second); err != nil {
			t.Fatalf("UpsertEntity failed: %v", err)
		}
		if second.LocalID != "first" {
			t.Errorf("merged LocalID = %q, want %q", second.LocalID, "first")
		}

		list, err := s.ListEntities(ctx, KindReading)
		if err != nil {
			t.Fatalf("ListEntities failed: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("entities = %d, want 1", len(list))
		}
		var r Reading
		if err := list[0].Decode(&r); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if r.GlucoseLevel != 135 {
			t.Errorf("GlucoseLevel = %v, want 135", r.GlucoseLevel)
		}
	})
}

func TestStore_PruneDone_UsesCompletionTime(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		setStoreClock(s, func() time.Time { return now })

		entry, err := s.SaveWithEntry(ctx, testReading("a", 100), QueueCreate)
		if err != nil {
			t.Fatalf("SaveWithEntry failed: %v", err)
		}
		now = now.Add(48 * time.Hour)
		if err := s.CompleteEntry(ctx, entry.EntryID, "srv-1", nil); err != nil {
			t.Fatalf("CompleteEntry failed: %v", err)
		}

		got, err := s.GetEntry(ctx, entry.EntryID)
		if err != nil {
			t.Fatalf("GetEntry failed: %v", err)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
		}

		n, err := s.PruneDone(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("PruneDone failed: %v", err)
		}
		if n != 0 {
			t.Errorf("PruneDone = %d, want 0 for a fresh completion", n)
		}
		if n, _ = s.PruneDone(ctx, now.Add(time.Second)); n != 1 {
			t.Errorf("PruneDone = %d, want 1", n)
		}
	})
}

func setStoreClock(s LocalStore, now func() time.Time) {
	switch st := s.(type) {
	case *MemoryStore:
		st.now = now
	case *SQLiteStore:
		st.now = now
	}
}

func TestStore_Closed(t *testing.T) {
	eachStore(t, func(t *testing.T, s LocalStore) {
		ctx := boundStore(t, s)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := s.Stats(ctx); !errors.Is(err, ErrStoreClosed) {
			t.Errorf("Stats error = %v, want ErrStoreClosed", err)
		}
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s.BindUser(ctx, "1"); err != nil {
		t.Fatalf("BindUser failed: %v", err)
	}
	if _, err := s.SaveWithEntry(ctx, testReading("r1", 120), QueueCreate); err != nil {
		t.Fatalf("SaveWithEntry failed: %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	user, err := s.UserID(ctx)
	if err != nil {
		t.Fatalf("UserID failed: %v", err)
	}
	if user != "1" {
		t.Errorf("UserID = %q, want %q", user, "1")
	}
	pending, _ := s.PendingEntries(ctx)
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}

	var version string
	if err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version); err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("schema_version = %q, want %q", version, schemaVersion)
	}
}

func TestSQLiteStore_EnablesWAL(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}
}

func TestSQLiteStore_SaveWithEntry_RollsBackOnQueueFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	s := newSQLiteStore(db, "")
	s.user = "1"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sync_queue").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = s.SaveWithEntry(context.Background(), testReading("r1", 120), QueueCreate)
	if err == nil {
		t.Fatal("expected SaveWithEntry to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
