package diabetactic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/diabetactic/diabetactic-go/internal/dbx"
	"github.com/diabetactic/diabetactic-go/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const entityColumns = `kind, local_id, server_id, payload, sync_state, created_at, updated_at`

const entryColumns = `entry_id, kind, local_id, operation, payload, attempt_count,
	last_attempt_at, next_attempt_at, status, last_error, enqueued_at, completed_at`

// SQLiteStore is the durable LocalStore, one database file per profile.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	user   string
	now    func() time.Time
}

// NewSQLiteStore opens or creates the store at path and applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := newSQLiteStore(db, path)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := s.loadUser(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteStore(db *sql.DB, path string) *SQLiteStore {
	return &SQLiteStore{db: db, path: path, now: time.Now}
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, schemaVersion)
	return err
}

func (s *SQLiteStore) loadUser(ctx context.Context) error {
	var user sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'user_id'`).Scan(&user)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: load user: %w", err)
	}
	s.user = user.String
	return nil
}

func (s *SQLiteStore) check() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.user == "" {
		return ErrNoUser
	}
	return nil
}

func (s *SQLiteStore) BindUser(ctx context.Context, userID string) error {
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
	if s.user != "" {
		var used bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM entities) OR EXISTS (SELECT 1 FROM sync_queue)
		`).Scan(&used)
		if err != nil {
			return fmt.Errorf("store: check data: %w", err)
		}
		if used {
			return &ProfileMismatchError{BoundUser: s.user, RequestedUser: userID}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES ('user_id', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, userID)
	if err != nil {
		return fmt.Errorf("store: bind user: %w", err)
	}
	s.user = userID
	return nil
}

func (s *SQLiteStore) UserID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return "", err
	}
	return s.user, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	err := dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		for _, q := range []string{
			`DELETE FROM sync_queue`,
			`DELETE FROM entities`,
			`DELETE FROM metadata WHERE key = 'user_id'`,
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	s.user = ""
	return nil
}

// UpsertEntity writes e. A server id maps to at most one entity: a new row
// for a server id already cached merges into the existing row (e is updated
// to it), and an existing row taking a server id absorbs a synced copy of it.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		if e.ServerID != "" {
			owner, err := s.serverOwner(ctx, tx, e.Kind, e.ServerID, e.LocalID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return err
			default:
				_, err := s.entity(ctx, tx, e.Kind, e.LocalID)
				if errors.Is(err, ErrNotFound) {
					if owner.SyncState == SyncSynced && e.SyncState == SyncSynced {
						owner.Payload = e.Payload
						if err := s.putEntity(ctx, tx, owner); err != nil {
							return fmt.Errorf("store: merge entity: %w", err)
						}
					}
					*e = *owner
					return nil
				}
				if err != nil {
					return err
				}
				if err := s.dropSyncedCopies(ctx, tx, e.Kind, e.ServerID, e.LocalID); err != nil {
					return err
				}
			}
		}
		if err := s.putEntity(ctx, tx, e); err != nil {
			return fmt.Errorf("store: upsert entity: %w", err)
		}
		return nil
	})
}

// SaveWithEntry writes the entity and its queue entry in one transaction.
func (s *SQLiteStore) SaveWithEntry(ctx context.Context, e *Entity, op QueueOperation) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	e.SyncState = op.PendingState()
	entry := &QueueEntry{
		Kind:       e.Kind,
		LocalID:    e.LocalID,
		Operation:  op,
		Payload:    cloneRaw(e.Payload),
		Status:     StatusPending,
		EnqueuedAt: s.now().UTC(),
	}

	err := dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.putEntity(ctx, tx, e); err != nil {
			return fmt.Errorf("store: save entity: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (user_id, kind, local_id, operation, payload, status, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, s.user, string(e.Kind), e.LocalID, string(op), rawText(e.Payload), string(StatusPending), formatTime(entry.EnqueuedAt))
		if err != nil {
			return fmt.Errorf("store: enqueue sync: %w", err)
		}
		if entry.EntryID, err = res.LastInsertId(); err != nil {
			return err
		}

		// An unresolved conflict stays visible until the user acts on it.
		res, err = tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = ?
			WHERE user_id = ? AND kind = ? AND local_id = ? AND EXISTS (
				SELECT 1 FROM sync_queue
				WHERE user_id = ? AND kind = ? AND local_id = ? AND status = ?
			)
		`, string(SyncConflict), s.user, string(e.Kind), e.LocalID, s.user, string(e.Kind), e.LocalID, string(StatusFailed))
		if err != nil {
			return fmt.Errorf("store: keep conflict: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			e.SyncState = SyncConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, kind EntityKind, localID string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE user_id = ? AND kind = ? AND local_id = ?
	`, s.user, string(kind), localID)
	return scanEntity(row)
}

func (s *SQLiteStore) FindByServerID(ctx context.Context, kind EntityKind, serverID string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if serverID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE user_id = ? AND kind = ? AND server_id = ?
	`, s.user, string(kind), serverID)
	return scanEntity(row)
}

func (s *SQLiteStore) ListEntities(ctx context.Context, kind EntityKind) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ? AND kind = ?
		ORDER BY created_at DESC, local_id DESC
	`, s.user, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteEntity(ctx context.Context, kind EntityKind, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		return s.removeEntity(ctx, tx, kind, localID, true)
	})
}

func (s *SQLiteStore) PendingEntries(ctx context.Context) ([]QueueEntry, error) {
	return s.ListEntries(ctx, StatusPending)
}

func (s *SQLiteStore) ListEntries(ctx context.Context, statuses ...QueueStatus) ([]QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	query := `SELECT ` + entryColumns + ` FROM sync_queue WHERE user_id = ?`
	args := []any{s.user}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += fmt.Sprintf(` AND status IN (%s)`, strings.Join(placeholders, ","))
	}
	query += ` ORDER BY entry_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) GetEntry(ctx context.Context, entryID int64) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.getEntry(ctx, s.db, entryID)
}

func (s *SQLiteStore) MarkInFlight(ctx context.Context, entryID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_attempt_at = ?
		WHERE user_id = ? AND entry_id = ? AND status = ?
	`, string(StatusInFlight), formatTime(at), s.user, entryID, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("store: claim entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) CompleteEntry(ctx context.Context, entryID int64, serverID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		entry, err := s.getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if entry.Status == StatusDone {
			return nil
		}
		if err := s.markDone(ctx, tx, entryID); err != nil {
			return err
		}

		if entry.Operation == QueueDelete {
			return s.removeEntity(ctx, tx, entry.Kind, entry.LocalID, false)
		}

		var payloadArg any
		if payload != nil {
			payloadArg = string(payload)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE entities
			SET server_id = COALESCE(?, server_id), payload = COALESCE(?, payload), updated_at = ?
			WHERE user_id = ? AND kind = ? AND local_id = ?
		`, nullString(serverID), payloadArg, formatTime(s.now()), s.user, string(entry.Kind), entry.LocalID)
		if err != nil {
			return fmt.Errorf("store: apply completion: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if serverID != "" {
			if err := s.dropSyncedCopies(ctx, tx, entry.Kind, serverID, entry.LocalID); err != nil {
				return err
			}
		}
		return s.settle(ctx, tx, entry.Kind, entry.LocalID)
	})
}

func (s *SQLiteStore) RescheduleEntry(ctx context.Context, entryID int64, attempts int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE user_id = ? AND entry_id = ?
	`, string(StatusPending), attempts, formatTime(next), nullString(lastErr), s.user, entryID)
	if err != nil {
		return fmt.Errorf("store: reschedule entry: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) FailEntry(ctx context.Context, entryID int64, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		entry, err := s.getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, attempt_count = ?, next_attempt_at = NULL, last_error = ?
			WHERE user_id = ? AND entry_id = ?
		`, string(StatusFailed), attempts, nullString(lastErr), s.user, entryID)
		if err != nil {
			return fmt.Errorf("store: fail entry: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = ?, updated_at = ?
			WHERE user_id = ? AND kind = ? AND local_id = ?
		`, string(SyncConflict), formatTime(s.now()), s.user, string(entry.Kind), entry.LocalID)
		if err != nil {
			return fmt.Errorf("store: mark conflict: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) CollapseEntries(ctx context.Context, entryIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if len(entryIDs) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range entryIDs {
			_, err := tx.ExecContext(ctx, `
				UPDATE sync_queue SET status = ?, last_error = 'collapsed', completed_at = ?
				WHERE user_id = ? AND entry_id = ? AND status != ?
			`, string(StatusDone), formatTime(s.now()), s.user, id, string(StatusDone))
			if err != nil {
				return fmt.Errorf("store: collapse entry %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ResetEntry(ctx context.Context, entryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		entry, err := s.getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != StatusFailed {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, attempt_count = 0, next_attempt_at = NULL
			WHERE user_id = ? AND entry_id = ?
		`, string(StatusPending), s.user, entryID)
		if err != nil {
			return fmt.Errorf("store: reset entry: %w", err)
		}
		return s.settle(ctx, tx, entry.Kind, entry.LocalID)
	})
}

func (s *SQLiteStore) DismissEntry(ctx context.Context, entryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		entry, err := s.getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != StatusFailed {
			return nil
		}
		if err := s.markDone(ctx, tx, entryID); err != nil {
			return err
		}

		ent, err := s.entity(ctx, tx, entry.Kind, entry.LocalID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Operation == QueueCreate && ent.ServerID == "" {
			return s.removeEntity(ctx, tx, entry.Kind, entry.LocalID, false)
		}
		return s.settle(ctx, tx, entry.Kind, entry.LocalID)
	})
}

func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ? WHERE user_id = ? AND status = ?
	`, string(StatusPending), s.user, string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("store: reset in-flight: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats(ctx context.Context) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	stats := &QueueStats{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_queue WHERE user_id = ? GROUP BY status
	`, s.user)
	if err != nil {
		return nil, fmt.Errorf("store: queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch QueueStatus(status) {
		case StatusPending:
			stats.Pending = n
		case StatusInFlight:
			stats.InFlight = n
		case StatusFailed:
			stats.Failed = n
		case StatusDone:
			stats.Done = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(sync_state = ?), 0) FROM entities WHERE user_id = ?
	`, string(SyncConflict), s.user).Scan(&stats.Entities, &stats.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("store: entity stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) PruneDone(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE user_id = ? AND status = ? AND COALESCE(completed_at, enqueued_at) < ?
	`, s.user, string(StatusDone), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) putEntity(ctx context.Context, q dbx.DBTX, e *Entity) error {
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO entities (user_id, kind, local_id, server_id, payload, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, kind, local_id) DO UPDATE SET
			server_id = excluded.server_id,
			payload = excluded.payload,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`,
		s.user,
		string(e.Kind),
		e.LocalID,
		nullString(e.ServerID),
		rawText(e.Payload),
		string(e.SyncState),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	return err
}

// serverOwner returns another entity already holding serverID.
func (s *SQLiteStore) serverOwner(ctx context.Context, q dbx.DBTX, kind EntityKind, serverID, localID string) (*Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ? AND kind = ? AND server_id = ? AND local_id != ?
		ORDER BY created_at LIMIT 1
	`, s.user, string(kind), serverID, localID)
	return scanEntity(row)
}

// dropSyncedCopies removes synced rows other than localID that hold serverID.
func (s *SQLiteStore) dropSyncedCopies(ctx context.Context, q dbx.DBTX, kind EntityKind, serverID, localID string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM entities
		WHERE user_id = ? AND kind = ? AND server_id = ? AND local_id != ? AND sync_state = ?
	`, s.user, string(kind), serverID, localID, string(SyncSynced))
	if err != nil {
		return fmt.Errorf("store: drop duplicate entities: %w", err)
	}
	return nil
}

func (s *SQLiteStore) entity(ctx context.Context, q dbx.DBTX, kind EntityKind, localID string) (*Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE user_id = ? AND kind = ? AND local_id = ?
	`, s.user, string(kind), localID)
	return scanEntity(row)
}

func (s *SQLiteStore) getEntry(ctx context.Context, q dbx.DBTX, entryID int64) (*QueueEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM sync_queue WHERE user_id = ? AND entry_id = ?
	`, s.user, entryID)
	return scanEntry(row)
}

func (s *SQLiteStore) markDone(ctx context.Context, q dbx.DBTX, entryID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, next_attempt_at = NULL, completed_at = ?
		WHERE user_id = ? AND entry_id = ?
	`, string(StatusDone), formatTime(s.now()), s.user, entryID)
	if err != nil {
		return fmt.Errorf("store: complete entry: %w", err)
	}
	return nil
}

// removeEntity deletes the entity row and closes its unfinished entries.
func (s *SQLiteStore) removeEntity(ctx context.Context, q dbx.DBTX, kind EntityKind, localID string, mustExist bool) error {
	res, err := q.ExecContext(ctx, `
		DELETE FROM entities WHERE user_id = ? AND kind = ? AND local_id = ?
	`, s.user, string(kind), localID)
	if err != nil {
		return fmt.Errorf("store: delete entity: %w", err)
	}
	if mustExist {
		if err := requireRow(res); err != nil {
			return err
		}
	}
	_, err = q.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, next_attempt_at = NULL, completed_at = ?
		WHERE user_id = ? AND kind = ? AND local_id = ? AND status != ?
	`, string(StatusDone), formatTime(s.now()), s.user, string(kind), localID, string(StatusDone))
	if err != nil {
		return fmt.Errorf("store: close entity entries: %w", err)
	}
	return nil
}

// settle recomputes the entity's sync state from its unfinished entries.
func (s *SQLiteStore) settle(ctx context.Context, q dbx.DBTX, kind EntityKind, localID string) error {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM sync_queue
		WHERE user_id = ? AND kind = ? AND local_id = ? AND status != ?
		ORDER BY entry_id
	`, s.user, string(kind), localID, string(StatusDone))
	if err != nil {
		return fmt.Errorf("store: load entity entries: %w", err)
	}
	open, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		UPDATE entities SET sync_state = ? WHERE user_id = ? AND kind = ? AND local_id = ?
	`, string(settledState(open)), s.user, string(kind), localID)
	if err != nil {
		return fmt.Errorf("store: settle entity: %w", err)
	}
	return nil
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntity returns ErrNotFound only for sql.ErrNoRows from *sql.Row.
func scanEntity(sc scanner) (*Entity, error) {
	var (
		e         Entity
		kind      string
		serverID  sql.NullString
		payload   string
		state     string
		createdAt string
		updatedAt string
	)
	err := sc.Scan(&kind, &e.LocalID, &serverID, &payload, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Kind = EntityKind(kind)
	e.ServerID = serverID.String
	e.Payload = json.RawMessage(payload)
	e.SyncState = SyncState(state)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func scanEntry(sc scanner) (*QueueEntry, error) {
	var (
		e           QueueEntry
		kind        string
		operation   string
		payload     string
		lastAttempt sql.NullString
		nextAttempt sql.NullString
		status      string
		lastErr     sql.NullString
		enqueuedAt  string
		completedAt sql.NullString
	)
	err := sc.Scan(
		&e.EntryID,
		&kind,
		&e.LocalID,
		&operation,
		&payload,
		&e.AttemptCount,
		&lastAttempt,
		&nextAttempt,
		&status,
		&lastErr,
		&enqueuedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Kind = EntityKind(kind)
	e.Operation = QueueOperation(operation)
	e.Payload = json.RawMessage(payload)
	e.Status = QueueStatus(status)
	e.LastError = lastErr.String
	e.EnqueuedAt = parseTime(enqueuedAt)
	if lastAttempt.Valid {
		t := parseTime(lastAttempt.String)
		e.LastAttemptAt = &t
	}
	if nextAttempt.Valid {
		t := parseTime(nextAttempt.String)
		e.NextAttemptAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		e.CompletedAt = &t
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var out []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func rawText(b json.RawMessage) string {
	if len(b) == 0 {
		return "null"
	}
	return string(b)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
