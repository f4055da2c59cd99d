package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrStorageUnavailable means the local medium could not be read or
	// written. Callers of write operations must surface it.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrCapExceeded is returned by Requeue when an entry used up its
	// retries and was removed from the queue.
	ErrCapExceeded = errors.New("retry cap exceeded")

	ErrNotFound       = errors.New("not found")
	ErrInvalidPayload = errors.New("payload is not valid JSON")
)

type Records interface {
	Put(ctx context.Context, collection, id string, payload json.RawMessage, action Action) error
	// Get returns found=false, not an error, for an absent or deleted id.
	Get(ctx context.Context, collection, id string) (payload json.RawMessage, found bool, err error)
	List(ctx context.Context, collection string) ([]json.RawMessage, error)
	Record(ctx context.Context, collection, id string) (*StoredRecord, error)
	ListFailed(ctx context.Context) ([]*StoredRecord, error)
	MarkSynced(ctx context.Context, collection, id string) error
	MarkFailed(ctx context.Context, collection, id string) error
	DeleteRecord(ctx context.Context, collection, id string) error
}

type Queue interface {
	Enqueue(ctx context.Context, collection, recordID string, action Action, payload json.RawMessage) (*QueueEntry, error)
	// Drain returns every entry, oldest first.
	Drain(ctx context.Context) ([]*QueueEntry, error)
	Remove(ctx context.Context, entryID string) error
	// Requeue records a failed delivery. It returns ErrCapExceeded once the
	// entry reached the retry cap, in which case the entry is gone.
	Requeue(ctx context.Context, entry *QueueEntry, cause error) error
	QueueCount(ctx context.Context) (int, error)
}

// KV is the durable key-value collection holding AppState and cache rows.
type KV interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte) error
	DeleteValue(ctx context.Context, key string) error
	ListValues(ctx context.Context, prefix string) (map[string][]byte, error)
}

type Store interface {
	Records
	Queue
	KV

	// PutAndEnqueue writes the record and appends its queue entry in one
	// transaction.
	PutAndEnqueue(ctx context.Context, collection, id string, payload json.RawMessage, action Action) (*QueueEntry, error)

	GetAppState(ctx context.Context) (*AppState, error)
	SaveAppState(ctx context.Context, state *AppState) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	ClearAll(ctx context.Context) error
	Close() error
}
