package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
)

// StoredRecord is the local copy of one entity. A record whose last action
// is a delete is a tombstone and is hidden from Get and List.
type StoredRecord struct {
	Collection   string          `json:"collection"`
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Action       Action          `json:"action"`
	LastModified time.Time       `json:"lastModified"`
	SyncStatus   SyncStatus      `json:"syncStatus"`
}

type QueueEntry struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"recordId"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	LastError  sql.NullString  `json:"-"`
}

// QueueEntryID derives an entry id that sorts by enqueue time for a given
// record.
func QueueEntryID(collection, recordID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%020d", collection, recordID, at.UnixNano())
}

// AppState is the persisted part of the process-wide synchronization state.
type AppState struct {
	LastSync   *time.Time `json:"lastSync,omitempty"`
	IsOnline   bool       `json:"isOnline"`
	QueueCount int        `json:"queueCount"`
}

type SyncHistory struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  sql.NullTime   `json:"-"`
	Trigger      string         `json:"trigger"`
	SuccessCount int            `json:"successCount"`
	FailureCount int            `json:"failureCount"`
	Remaining    int            `json:"remaining"`
	Status       string         `json:"status"`
	ErrorMessage sql.NullString `json:"-"`
}

const (
	HistoryRunning   = "running"
	HistoryCompleted = "completed"
	HistoryFailed    = "failed"
)
