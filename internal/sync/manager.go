package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/metrics"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

var (
	ErrNotFailed      = errors.New("record is not in failed state")
	ErrInvalidRequest = errors.New("invalid request")
)

type ManagerConfig struct {
	Sync                 config.SyncConfig
	CacheCleanupInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager is the coordinator the rest of the application talks to. It owns
// the store, the cache, the engine, the event bus and the recurring jobs.
type Manager struct {
	cfg       config.SyncConfig
	store     store.Store
	cache     *cache.Cache
	bus       *Bus
	state     *appState
	engine    *Engine
	scheduler *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	status         string
	platformOnline bool
	storageOnline  bool
	onlineTimer    *time.Timer
}

func NewManager(cfg ManagerConfig, st store.Store, c *cache.Cache, backend remote.Backend) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if c == nil {
		c = cache.New(cache.Config{Now: cfg.Now})
	}
	if backend == nil {
		backend = remote.Unconfigured{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus()
	state := newAppState(st)

	m := &Manager{
		cfg:    cfg.Sync,
		store:  st,
		cache:  c,
		bus:    bus,
		state:  state,
		engine: newEngine(st, backend, bus, state, cfg.Sync.DeliveryTimeout, cfg.Now),
		ctx:    ctx,
		cancel: cancel,
		status: "idle",
	}
	m.scheduler = NewScheduler(m, cfg.Sync.RetryInterval, cfg.CacheCleanupInterval)
	return m
}

// Start loads persisted state, restores the cache and starts the recurring
// jobs. A manager that comes up online with pending changes syncs after the
// online delay.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != "idle" {
		return fmt.Errorf("manager is %s", m.status)
	}

	logger.Log.Info("Starting sync manager")

	if err := m.state.load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	online := m.state.online()
	m.platformOnline = online
	m.storageOnline = online
	metrics.Online.Set(boolGauge(online))

	if n := m.cache.Restore(ctx); n > 0 {
		logger.Log.Info("Restored cache entries", zap.Int("count", n))
	}

	if err := m.scheduler.Start(); err != nil {
		return err
	}

	if online && m.state.queueCount() > 0 {
		m.scheduleOnlineSyncLocked()
	}

	m.status = "running"
	logger.Log.Info("Sync manager started",
		zap.Bool("online", online),
		zap.Int("pending", m.state.queueCount()),
	)
	return nil
}

// Stop cancels timers and jobs and waits for an in-flight pass to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.status != "running" {
		m.mu.Unlock()
		return
	}
	m.status = "stopped"
	if m.onlineTimer != nil {
		m.onlineTimer.Stop()
		m.onlineTimer = nil
	}
	m.mu.Unlock()

	logger.Log.Info("Stopping sync manager")

	m.scheduler.Stop()
	m.wg.Wait()
	m.cancel()

	logger.Log.Info("Stopped sync manager")
}

func (m *Manager) Subscribe(fn Handler) func() {
	return m.bus.Subscribe(fn)
}

// Connectivity

// SetPlatformOnline records the platform-level network signal.
func (m *Manager) SetPlatformOnline(online bool) {
	m.mu.Lock()
	changed := m.platformOnline != online
	m.platformOnline = online
	m.mu.Unlock()
	if changed {
		m.setOnline(online, "platform")
	}
}

// SetStorageOnline records the storage-layer signal. The most recent
// transition of either signal decides connectivity.
func (m *Manager) SetStorageOnline(online bool) {
	m.mu.Lock()
	changed := m.storageOnline != online
	m.storageOnline = online
	m.mu.Unlock()
	if changed {
		m.setOnline(online, "storage")
	}
}

func (m *Manager) IsOnline() bool {
	return m.state.online()
}

// setOnline applies a transition and emits Online or Offline after the
// pending one-shot sync has been rescheduled or cancelled.
func (m *Manager) setOnline(online bool, source string) {
	m.mu.Lock()
	if !m.state.setOnline(m.ctx, online) {
		m.mu.Unlock()
		return
	}
	if m.onlineTimer != nil {
		m.onlineTimer.Stop()
		m.onlineTimer = nil
	}
	if online && m.status == "running" {
		m.scheduleOnlineSyncLocked()
	}
	m.mu.Unlock()

	metrics.Online.Set(boolGauge(online))
	logger.Log.Info("Connectivity changed", zap.Bool("online", online), zap.String("source", source))

	if online {
		m.bus.Emit(Online{})
		return
	}
	m.bus.Emit(Offline{})
}

func (m *Manager) scheduleOnlineSyncLocked() {
	var timer *time.Timer
	timer = time.AfterFunc(m.cfg.OnlineDelay, func() {
		m.mu.Lock()
		current := m.onlineTimer == timer
		if current {
			m.onlineTimer = nil
		}
		m.mu.Unlock()
		if current {
			m.syncInBackground(TriggerOnline)
		}
	})
	m.onlineTimer = timer
}

// syncInBackground starts a pass on its own goroutine. Passes skipped for
// being offline or already running are not logged as failures.
func (m *Manager) syncInBackground(trigger string) {
	m.mu.Lock()
	if m.status != "running" {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_, err := m.engine.Run(m.ctx, trigger)
		if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
			logger.Log.Debug("Background sync ended with error", zap.String("trigger", trigger), zap.Error(err))
		}
	}()
}

// Actions

// SyncNow runs a pass on the caller's goroutine.
func (m *Manager) SyncNow(ctx context.Context) (SyncComplete, error) {
	return m.engine.Run(ctx, TriggerManual)
}

// StoreOfflineData writes the record and queues its mutation in one
// transaction. Storage errors are returned to the caller. While online the
// write schedules a pass.
func (m *Manager) StoreOfflineData(ctx context.Context, collection, id string, data json.RawMessage, action store.Action) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: collection and id are required", ErrInvalidRequest)
	}
	if !action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, action)
	}

	if _, err := m.store.PutAndEnqueue(ctx, collection, id, data, action); err != nil {
		return err
	}
	pending := m.state.refreshQueue(ctx)

	logger.Log.Debug("Stored offline data",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.String("action", string(action)),
		zap.Int("pending", pending),
	)
	m.bus.Emit(DataStored{Collection: collection, ID: id, Action: action})

	if m.cfg.SyncOnWrite && m.state.online() {
		m.syncInBackground(TriggerWrite)
	}
	return nil
}

func (m *Manager) GetOfflineData(ctx context.Context, collection, id string) (json.RawMessage, bool, error) {
	return m.store.Get(ctx, collection, id)
}

func (m *Manager) ListOfflineData(ctx context.Context, collection string) ([]json.RawMessage, error) {
	return m.store.List(ctx, collection)
}

func (m *Manager) Record(ctx context.Context, collection, id string) (*store.StoredRecord, error) {
	return m.store.Record(ctx, collection, id)
}

// ClearOfflineData drops every record, queued mutation, history row and
// cache entry. Connectivity is kept.
func (m *Manager) ClearOfflineData(ctx context.Context) error {
	if err := m.store.ClearAll(ctx); err != nil {
		return err
	}
	m.cache.Clear()
	if err := m.state.reset(ctx); err != nil {
		return err
	}
	logger.Log.Info("Cleared offline data")
	return nil
}

func (m *Manager) ListFailed(ctx context.Context) ([]*store.StoredRecord, error) {
	return m.store.ListFailed(ctx)
}

func (m *Manager) failedRecord(ctx context.Context, collection, id string) (*store.StoredRecord, error) {
	rec, err := m.store.Record(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if rec.SyncStatus != store.StatusFailed {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFailed)
	}
	return rec, nil
}

// RetryFailed queues the failed record's current payload again with a fresh
// retry budget.
func (m *Manager) RetryFailed(ctx context.Context, collection, id string) error {
	rec, err := m.failedRecord(ctx, collection, id)
	if err != nil {
		return err
	}
	if _, err := m.store.PutAndEnqueue(ctx, collection, id, rec.Payload, rec.Action); err != nil {
		return err
	}
	m.state.refreshQueue(ctx)
	logger.Log.Info("Retrying failed record", zap.String("collection", collection), zap.String("id", id))

	if m.state.online() {
		m.syncInBackground(TriggerManual)
	}
	return nil
}

// DiscardFailed drops the failed record locally. Nothing is sent remotely.
func (m *Manager) DiscardFailed(ctx context.Context, collection, id string) error {
	if _, err := m.failedRecord(ctx, collection, id); err != nil {
		return err
	}
	if err := m.store.DeleteRecord(ctx, collection, id); err != nil {
		return err
	}
	logger.Log.Info("Discarded failed record", zap.String("collection", collection), zap.String("id", id))
	return nil
}

func (m *Manager) History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error) {
	return m.store.GetSyncHistory(ctx, limit, offset)
}

func (m *Manager) State() State {
	return m.state.snapshot()
}

// Cache

// CacheData stores data under key. A zero ttl uses the cache default.
func (m *Manager) CacheData(key string, data any, ttl time.Duration) bool {
	return m.cache.Set(key, data, cache.Options{TTL: ttl})
}

func (m *Manager) CacheDataWith(key string, data any, opts cache.Options) bool {
	return m.cache.Set(key, data, opts)
}

func (m *Manager) GetCachedData(key string) (json.RawMessage, bool) {
	return m.cache.Get(key, "")
}

func (m *Manager) GetCachedVersion(key, version string) (json.RawMessage, bool) {
	return m.cache.Get(key, version)
}

func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

func (m *Manager) InvalidateCache(pattern string) int {
	return m.cache.Invalidate(pattern)
}

func (m *Manager) InvalidateCacheTags(tags []string) int {
	return m.cache.InvalidateByTags(tags)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
