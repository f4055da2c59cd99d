package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/metrics"
	"offline-sync-service/internal/store"
)

// State is a point-in-time view of synchronization state.
type State struct {
	IsOnline       bool         `json:"isOnline"`
	PendingChanges int          `json:"pendingChanges"`
	LastSync       *time.Time   `json:"lastSync,omitempty"`
	SyncProgress   SyncProgress `json:"syncProgress"`
	SyncInProgress bool         `json:"syncInProgress"`
}

// appState guards the process-wide state shared by the engine and the
// coordinator. The persisted part is written through to the store.
type appState struct {
	mu         sync.Mutex
	store      store.Store
	persisted  store.AppState
	inProgress bool
	progress   SyncProgress
}

func newAppState(st store.Store) *appState {
	return &appState{store: st}
}

func (s *appState) load(ctx context.Context) error {
	saved, err := s.store.GetAppState(ctx)
	if err != nil {
		return err
	}
	count, err := s.store.QueueCount(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.persisted = *saved
	s.persisted.QueueCount = count
	s.mu.Unlock()
	metrics.QueueDepth.Set(float64(count))
	return nil
}

// saveLocked persists a copy of the current AppState. Caller holds mu.
func (s *appState) saveLocked(ctx context.Context) error {
	snapshot := s.persisted
	return s.store.SaveAppState(ctx, &snapshot)
}

// tryBegin claims the single pass slot. It fails while a pass is running or
// while offline.
func (s *appState) tryBegin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return ErrSyncInProgress
	}
	if !s.persisted.IsOnline {
		return ErrOffline
	}
	s.inProgress = true
	s.progress = SyncProgress{}
	return nil
}

func (s *appState) end() {
	s.mu.Lock()
	s.inProgress = false
	s.mu.Unlock()
}

func (s *appState) setProgress(p SyncProgress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

func (s *appState) online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted.IsOnline
}

// setOnline reports whether the value changed.
func (s *appState) setOnline(ctx context.Context, online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persisted.IsOnline == online {
		return false
	}
	s.persisted.IsOnline = online
	if err := s.saveLocked(ctx); err != nil {
		logger.Log.Warn("Failed to persist connectivity", zap.Bool("online", online), zap.Error(err))
	}
	return true
}

func (s *appState) complete(ctx context.Context, at time.Time, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted.LastSync = &at
	s.persisted.QueueCount = remaining
	metrics.QueueDepth.Set(float64(remaining))
	return s.saveLocked(ctx)
}

// refreshQueue re-reads the queue length after a local write.
func (s *appState) refreshQueue(ctx context.Context) int {
	count, err := s.store.QueueCount(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		logger.Log.Warn("Failed to count queued mutations", zap.Error(err))
		return s.persisted.QueueCount
	}
	s.persisted.QueueCount = count
	metrics.QueueDepth.Set(float64(count))
	if err := s.saveLocked(ctx); err != nil {
		logger.Log.Warn("Failed to persist queue count", zap.Error(err))
	}
	return count
}

// reset forgets everything but connectivity, after the store was cleared.
func (s *appState) reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = store.AppState{IsOnline: s.persisted.IsOnline}
	s.progress = SyncProgress{}
	metrics.QueueDepth.Set(0)
	return s.saveLocked(ctx)
}

func (s *appState) queueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted.QueueCount
}

func (s *appState) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		IsOnline:       s.persisted.IsOnline,
		PendingChanges: s.persisted.QueueCount,
		SyncProgress:   s.progress,
		SyncInProgress: s.inProgress,
	}
	if s.persisted.LastSync != nil {
		t := *s.persisted.LastSync
		st.LastSync = &t
	}
	return st
}
