package sync

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// Scheduler owns the recurring jobs: retrying the queue while online and
// sweeping expired cache entries.
type Scheduler struct {
	manager         *Manager
	retryInterval   time.Duration
	cleanupInterval time.Duration
	cron            *cron.Cron
}

func NewScheduler(manager *Manager, retryInterval, cleanupInterval time.Duration) *Scheduler {
	return &Scheduler{
		manager:         manager,
		retryInterval:   retryInterval,
		cleanupInterval: cleanupInterval,
		cron:            cron.New(),
	}
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

func (s *Scheduler) Start() error {
	if s.retryInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.retryInterval), s.retrySync); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
	}
	if s.cleanupInterval > 0 && s.manager.cache != nil {
		if _, err := s.cron.AddFunc(every(s.cleanupInterval), s.cleanupCache); err != nil {
			return fmt.Errorf("schedule cache cleanup: %w", err)
		}
	}

	logger.Log.Info("Starting scheduler",
		zap.Duration("retryInterval", s.retryInterval),
		zap.Duration("cleanupInterval", s.cleanupInterval),
	)
	s.cron.Start()
	return nil
}

// Stop waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) retrySync() {
	if !s.manager.state.online() || s.manager.state.queueCount() == 0 {
		return
	}
	logger.Log.Debug("Triggering scheduled sync", zap.Int("pending", s.manager.state.queueCount()))
	s.manager.syncInBackground(TriggerInterval)
}

func (s *Scheduler) cleanupCache() {
	s.manager.cache.Cleanup()
}
