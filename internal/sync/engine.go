package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/metrics"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrOffline        = errors.New("offline")
)

// Trigger names recorded in sync history.
const (
	TriggerManual   = "manual"
	TriggerOnline   = "online"
	TriggerInterval = "interval"
	TriggerWrite    = "write"
)

type outcome int

const (
	delivered outcome = iota
	retrying
	capped
)

// Engine drains the mutation queue against the remote backend, one pass at a
// time.
type Engine struct {
	store           store.Store
	backend         remote.Backend
	bus             *Bus
	state           *appState
	deliveryTimeout time.Duration
	now             func() time.Time
}

func newEngine(st store.Store, backend remote.Backend, bus *Bus, state *appState, deliveryTimeout time.Duration, now func() time.Time) *Engine {
	return &Engine{
		store:           st,
		backend:         backend,
		bus:             bus,
		state:           state,
		deliveryTimeout: deliveryTimeout,
		now:             now,
	}
}

// Run executes one pass. It returns ErrSyncInProgress or ErrOffline without
// doing anything when a pass is already running or the process is offline.
// Store failures abort the pass; delivery failures never do.
//
// Cancelling ctx does not stop a pass once it has begun. Every drained entry
// is delivered and settled, each delivery bounded by the delivery timeout.
func (e *Engine) Run(ctx context.Context, trigger string) (SyncComplete, error) {
	if err := e.state.tryBegin(); err != nil {
		metrics.SyncPasses.WithLabelValues("skipped").Inc()
		logger.Log.Debug("Sync pass skipped", zap.String("trigger", trigger), zap.Error(err))
		return SyncComplete{}, err
	}

	result, remaining, err := e.run(context.WithoutCancel(ctx), trigger)
	if err != nil {
		metrics.SyncPasses.WithLabelValues("failed").Inc()
		logger.Log.Error("Sync pass aborted",
			zap.String("trigger", trigger),
			zap.Int("success", result.SuccessCount),
			zap.Int("failed", result.FailureCount),
			zap.Error(err),
		)
		e.bus.Emit(SyncError{Err: err})
		return result, err
	}

	metrics.SyncPasses.WithLabelValues("completed").Inc()
	logger.Log.Info("Sync pass completed",
		zap.String("trigger", trigger),
		zap.Int("success", result.SuccessCount),
		zap.Int("failed", result.FailureCount),
		zap.Int("remaining", remaining),
	)
	e.bus.Emit(result)
	return result, nil
}

// run holds the in-progress flag for the pass and its history row. The flag
// is cleared before Run emits the outcome.
func (e *Engine) run(ctx context.Context, trigger string) (SyncComplete, int, error) {
	defer e.state.end()

	timer := time.Now()
	defer func() { metrics.PassDuration.Observe(time.Since(timer).Seconds()) }()

	history := &store.SyncHistory{
		ID:        uuid.New().String(),
		StartedAt: e.now(),
		Trigger:   trigger,
		Status:    store.HistoryRunning,
	}
	if err := e.store.CreateSyncHistory(ctx, history); err != nil {
		logger.Log.Warn("Failed to record sync start", zap.Error(err))
		history = nil
	}

	result, remaining, err := e.pass(ctx)
	e.finishHistory(ctx, history, result, remaining, err)
	return result, remaining, err
}

func (e *Engine) pass(ctx context.Context) (SyncComplete, int, error) {
	var result SyncComplete

	entries, err := e.store.Drain(ctx)
	if err != nil {
		return result, e.state.queueCount(), fmt.Errorf("drain queue: %w", err)
	}

	total := len(entries)
	for i, entry := range entries {
		out, err := e.process(ctx, entry)
		if err != nil {
			return result, e.state.refreshQueue(ctx), err
		}
		switch out {
		case delivered:
			result.SuccessCount++
		case capped:
			result.FailureCount++
		}

		progress := SyncProgress{Processed: i + 1, Total: total}
		e.state.setProgress(progress)
		e.bus.Emit(progress)
	}

	remaining, err := e.store.QueueCount(ctx)
	if err != nil {
		return result, e.state.queueCount(), fmt.Errorf("count queue: %w", err)
	}
	if err := e.state.complete(ctx, e.now(), remaining); err != nil {
		return result, remaining, fmt.Errorf("save state: %w", err)
	}
	return result, remaining, nil
}

// process delivers one entry and settles it in the store. The returned error
// is a store failure; delivery failures are an outcome.
func (e *Engine) process(ctx context.Context, entry *store.QueueEntry) (outcome, error) {
	deliverErr := e.deliver(ctx, entry)
	if deliverErr == nil {
		metrics.Delivered.Inc()
		if err := e.store.Remove(ctx, entry.ID); err != nil {
			return retrying, fmt.Errorf("remove %s: %w", entry.ID, err)
		}
		if err := e.store.MarkSynced(ctx, entry.Collection, entry.RecordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return delivered, fmt.Errorf("mark synced %s/%s: %w", entry.Collection, entry.RecordID, err)
		}
		return delivered, nil
	}

	metrics.DeliveryFailures.Inc()
	logger.Log.Warn("Delivery failed",
		zap.String("entry", entry.ID),
		zap.String("collection", entry.Collection),
		zap.String("id", entry.RecordID),
		zap.String("action", string(entry.Action)),
		zap.Int("retries", entry.RetryCount),
		zap.Error(deliverErr),
	)

	err := e.store.Requeue(ctx, entry, deliverErr)
	switch {
	case err == nil:
		return retrying, nil
	case errors.Is(err, store.ErrCapExceeded):
		metrics.CapExceeded.Inc()
		logger.Log.Error("Mutation abandoned after retry cap",
			zap.String("collection", entry.Collection),
			zap.String("id", entry.RecordID),
			zap.Error(deliverErr),
		)
		if err := e.store.MarkFailed(ctx, entry.Collection, entry.RecordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return capped, fmt.Errorf("mark failed %s/%s: %w", entry.Collection, entry.RecordID, err)
		}
		return capped, nil
	default:
		return retrying, fmt.Errorf("requeue %s: %w", entry.ID, err)
	}
}

func (e *Engine) deliver(ctx context.Context, entry *store.QueueEntry) error {
	if e.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deliveryTimeout)
		defer cancel()
	}

	switch entry.Action {
	case store.ActionCreate:
		return e.backend.Insert(ctx, entry.Collection, entry.Payload)
	case store.ActionUpdate:
		return e.backend.UpdateByID(ctx, entry.Collection, entry.RecordID, entry.Payload)
	case store.ActionDelete:
		return e.backend.DeleteByID(ctx, entry.Collection, entry.RecordID)
	default:
		return fmt.Errorf("unknown action %q", entry.Action)
	}
}

func (e *Engine) finishHistory(ctx context.Context, history *store.SyncHistory, result SyncComplete, remaining int, passErr error) {
	if history == nil {
		return
	}
	history.CompletedAt = sql.NullTime{Time: e.now(), Valid: true}
	history.SuccessCount = result.SuccessCount
	history.FailureCount = result.FailureCount
	history.Remaining = remaining
	history.Status = store.HistoryCompleted
	if passErr != nil {
		history.Status = store.HistoryFailed
		history.ErrorMessage = sql.NullString{String: passErr.Error(), Valid: true}
	}
	if err := e.store.UpdateSyncHistory(ctx, history); err != nil {
		logger.Log.Warn("Failed to record sync result", zap.String("history", history.ID), zap.Error(err))
	}
}
