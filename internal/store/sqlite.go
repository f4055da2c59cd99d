package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"offline-sync-service/internal/logger"
)

const (
	SchemaVersion = 1

	keySchemaVersion = "schema_version"
	keyAppState      = "app_state"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection    TEXT    NOT NULL,
	id            TEXT    NOT NULL,
	payload       TEXT    NOT NULL,
	action        TEXT    NOT NULL,
	last_modified INTEGER NOT NULL,
	sync_status   TEXT    NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records (sync_status);

CREATE TABLE IF NOT EXISTS queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT    NOT NULL UNIQUE,
	collection  TEXT    NOT NULL,
	record_id   TEXT    NOT NULL,
	action      TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	enqueued_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_order ON queue (enqueued_at, seq);
CREATE INDEX IF NOT EXISTS idx_queue_record ON queue (collection, record_id);

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT    PRIMARY KEY,
	value      BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_history (
	id            TEXT    PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	completed_at  INTEGER,
	trigger_name  TEXT    NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	remaining     INTEGER NOT NULL DEFAULT 0,
	status        TEXT    NOT NULL,
	error_message TEXT
);
`

type SQLiteConfig struct {
	Path        string
	BusyTimeout int // milliseconds
	MaxRetries  int
	Now         func() time.Time
}

// SQLiteStore keeps records, the mutation queue, the key-value collection
// and pass history in one embedded SQLite file.
type SQLiteStore struct {
	db         *sql.DB
	path       string
	maxRetries int
	now        func() time.Time

	mu        sync.Mutex
	lastStamp time.Time
}

var _ Store = (*SQLiteStore)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: missing path")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create directory: %w", ErrStorageUnavailable, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrStorageUnavailable, err)
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrStorageUnavailable, err)
	}

	s := &SQLiteStore{
		db:         db,
		path:       cfg.Path,
		maxRetries: cfg.MaxRetries,
		now:        cfg.Now,
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Log.Info("Opened local store", zap.String("path", cfg.Path), zap.Int("maxRetries", cfg.MaxRetries))
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable("init schema", err)
	}

	raw, ok, err := s.GetValue(ctx, keySchemaVersion)
	if err != nil {
		return err
	}
	if !ok {
		return s.SetValue(ctx, keySchemaVersion, []byte(strconv.Itoa(SchemaVersion)))
	}
	if v, _ := strconv.Atoi(string(raw)); v != SchemaVersion {
		return fmt.Errorf("unsupported local schema version %q (want %d)", raw, SchemaVersion)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// stamp returns a strictly increasing write time.
func (s *SQLiteStore) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	return payload, nil
}

func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Records

func (s *SQLiteStore) Put(ctx context.Context, collection, id string, payload json.RawMessage, action Action) error {
	payload, err := normalizePayload(payload)
	if err != nil {
		return err
	}
	return putRecord(ctx, s.db, collection, id, payload, action, s.stamp())
}

func putRecord(ctx context.Context, q querier, collection, id string, payload json.RawMessage, action Action, at time.Time) error {
	if collection == "" || id == "" {
		return errors.New("collection and id are required")
	}
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", action)
	}
	query := `INSERT INTO records (collection, id, payload, action, last_modified, sync_status)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT (collection, id) DO UPDATE SET
			  payload = excluded.payload,
			  action = excluded.action,
			  last_modified = excluded.last_modified,
			  sync_status = excluded.sync_status`
	_, err := q.ExecContext(ctx, query, collection, id, string(payload), string(action), at.UnixNano(), string(StatusPending))
	if err != nil {
		return unavailable("put record", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (json.RawMessage, bool, error) {
	rec, err := s.Record(ctx, collection, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Action == ActionDelete {
		return nil, false, nil
	}
	return rec.Payload, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM records WHERE collection = ? AND action != ? ORDER BY last_modified`,
		collection, string(ActionDelete))
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()

	payloads := []json.RawMessage{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, unavailable("scan record", err)
		}
		payloads = append(payloads, json.RawMessage(p))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list records", err)
	}
	return payloads, nil
}

const recordColumns = `collection, id, payload, action, last_modified, sync_status`

func scanRecord(scan func(dest ...any) error) (*StoredRecord, error) {
	var (
		rec            StoredRecord
		payload        string
		action, status string
		modified       int64
	)
	if err := scan(&rec.Collection, &rec.ID, &payload, &action, &modified, &status); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Action = Action(action)
	rec.SyncStatus = SyncStatus(status)
	rec.LastModified = time.Unix(0, modified)
	return &rec, nil
}

func (s *SQLiteStore) Record(ctx context.Context, collection, id string) (*StoredRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE collection = ? AND id = ?`, collection, id)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get record", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListFailed(ctx context.Context) ([]*StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE sync_status = ? ORDER BY last_modified`, string(StatusFailed))
	if err != nil {
		return nil, unavailable("list failed", err)
	}
	defer rows.Close()

	var recs []*StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, unavailable("scan record", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list failed", err)
	}
	return recs, nil
}

func (s *SQLiteStore) setStatus(ctx context.Context, collection, id string, status SyncStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ? WHERE collection = ? AND id = ?`, string(status), collection, id)
	if err != nil {
		return unavailable("set status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// MarkSynced only transitions the record when no other queue entry for it
// is still open, so a newer pending write is never reported as synced. The
// check and the update are one statement so a concurrent enqueue cannot land
// between them.
func (s *SQLiteStore) MarkSynced(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ?
		 WHERE collection = ? AND id = ?
		   AND NOT EXISTS (SELECT 1 FROM queue WHERE collection = ? AND record_id = ?)`,
		string(StatusSynced), collection, id, collection, id)
	if err != nil {
		return unavailable("mark synced", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&exists)
	if err != nil {
		return unavailable("mark synced", err)
	}
	if exists == 0 {
		return fmt.Errorf("record %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, collection, id string) error {
	return s.setStatus(ctx, collection, id, StatusFailed)
}

// DeleteRecord removes the record and any queue entries referencing it.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, collection, id string) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue WHERE collection = ? AND record_id = ?`, collection, id); err != nil {
			return unavailable("delete entries", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return unavailable("delete record", err)
		}
		return nil
	})
}

// Queue

func (s *SQLiteStore) Enqueue(ctx context.Context, collection, recordID string, action Action, payload json.RawMessage) (*QueueEntry, error) {
	payload, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, s.db, collection, recordID, action, payload, s.stamp())
}

func (s *SQLiteStore) enqueue(ctx context.Context, q querier, collection, recordID string, action Action, payload json.RawMessage, at time.Time) (*QueueEntry, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	entry := &QueueEntry{
		ID:         QueueEntryID(collection, recordID, at),
		Collection: collection,
		RecordID:   recordID,
		Action:     action,
		Payload:    payload,
		EnqueuedAt: at,
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO queue (id, collection, record_id, action, payload, enqueued_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		entry.ID, collection, recordID, string(action), string(payload), at.UnixNano())
	if err != nil {
		return nil, unavailable("enqueue", err)
	}
	entry.Seq, _ = res.LastInsertId()
	return entry, nil
}

func (s *SQLiteStore) PutAndEnqueue(ctx context.Context, collection, id string, payload json.RawMessage, action Action) (*QueueEntry, error) {
	payload, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}
	at := s.stamp()

	var entry *QueueEntry
	err = s.execTx(ctx, func(tx *sql.Tx) error {
		if err := putRecord(ctx, tx, collection, id, payload, action, at); err != nil {
			return err
		}
		e, err := s.enqueue(ctx, tx, collection, id, action, payload, at)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) Drain(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, collection, record_id, action, payload, enqueued_at, retry_count, last_error
		 FROM queue ORDER BY enqueued_at ASC, seq ASC`)
	if err != nil {
		return nil, unavailable("drain", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var (
			e        QueueEntry
			action   string
			payload  string
			enqueued int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Collection, &e.RecordID, &action, &payload, &enqueued, &e.RetryCount, &e.LastError); err != nil {
			return nil, unavailable("scan entry", err)
		}
		e.Action = Action(action)
		e.Payload = json.RawMessage(payload)
		e.EnqueuedAt = time.Unix(0, enqueued)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("drain", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, entryID); err != nil {
		return unavailable("remove entry", err)
	}
	return nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, entry *QueueEntry, cause error) error {
	entry.RetryCount++
	if cause != nil {
		entry.LastError = sql.NullString{String: cause.Error(), Valid: true}
	}

	if entry.RetryCount >= s.maxRetries {
		if err := s.Remove(ctx, entry.ID); err != nil {
			return err
		}
		return fmt.Errorf("entry %s after %d attempts: %w", entry.ID, entry.RetryCount, ErrCapExceeded)
	}

	// enqueued_at and seq are untouched so the entry keeps its position.
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET retry_count = ?, last_error = ? WHERE id = ?`,
		entry.RetryCount, entry.LastError, entry.ID)
	if err != nil {
		return unavailable("requeue", err)
	}
	return nil
}

func (s *SQLiteStore) QueueCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, unavailable("count queue", err)
	}
	return n, nil
}

// KV

func (s *SQLiteStore) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get value", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetValue(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixNano())
	if err != nil {
		return unavailable("set value", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return unavailable("delete value", err)
	}
	return nil
}

func (s *SQLiteStore) ListValues(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, unavailable("list values", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, unavailable("scan value", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list values", err)
	}
	return out, nil
}

// App state

func (s *SQLiteStore) GetAppState(ctx context.Context) (*AppState, error) {
	raw, ok, err := s.GetValue(ctx, keyAppState)
	if err != nil {
		return nil, err
	}
	state := &AppState{}
	if ok {
		if err := json.Unmarshal(raw, state); err != nil {
			logger.Log.Warn("Discarding unreadable app state", zap.Error(err))
			state = &AppState{}
		}
	}
	return state, nil
}

func (s *SQLiteStore) SaveAppState(ctx context.Context, state *AppState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode app state: %w", err)
	}
	return s.SetValue(ctx, keyAppState, raw)
}

// History

func nullNanos(t sql.NullTime) sql.NullInt64 {
	if !t.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Time.UnixNano(), Valid: true}
}

func (s *SQLiteStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, trigger_name, success_count, failure_count, remaining, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		history.ID,
		history.StartedAt.UnixNano(),
		nullNanos(history.CompletedAt),
		history.Trigger,
		history.SuccessCount,
		history.FailureCount,
		history.Remaining,
		history.Status,
		history.ErrorMessage,
	)
	if err != nil {
		return unavailable("create history", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, success_count = ?, failure_count = ?, remaining = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		nullNanos(history.CompletedAt),
		history.SuccessCount,
		history.FailureCount,
		history.Remaining,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)
	if err != nil {
		return unavailable("update history", err)
	}
	return nil
}

func (s *SQLiteStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, trigger_name, success_count, failure_count, remaining, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, unavailable("get history", err)
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h         SyncHistory
			started   int64
			completed sql.NullInt64
		)
		err := rows.Scan(
			&h.ID,
			&started,
			&completed,
			&h.Trigger,
			&h.SuccessCount,
			&h.FailureCount,
			&h.Remaining,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, unavailable("scan history", err)
		}
		h.StartedAt = time.Unix(0, started)
		if completed.Valid {
			h.CompletedAt = sql.NullTime{Time: time.Unix(0, completed.Int64), Valid: true}
		}
		history = append(history, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get history", err)
	}
	return history, nil
}

// ClearAll empties records, the queue, history and every kv row except the
// schema version.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM records`,
			`DELETE FROM queue`,
			`DELETE FROM sync_history`,
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return unavailable("clear", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key != ?`, keySchemaVersion); err != nil {
			return unavailable("clear", err)
		}
		return nil
	})
}
