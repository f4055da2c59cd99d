// Package network turns reachability checks into connectivity signals.
package network

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// Pinger is satisfied by remote.Backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watcher runs check on an interval and calls report with the first result
// and with every change after that.
type Watcher struct {
	name     string
	check    func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
	report   func(online bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber reports whether a TCP connection to address can be opened.
func NewProber(address string, interval, timeout time.Duration, report func(bool)) *Watcher {
	dialer := &net.Dialer{}
	return newWatcher("platform", func(ctx context.Context) error {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}, interval, timeout, report)
}

// NewPingWatcher reports whether the remote backend answers a ping.
func NewPingWatcher(p Pinger, interval, timeout time.Duration, report func(bool)) *Watcher {
	return newWatcher("storage", p.Ping, interval, timeout, report)
}

func newWatcher(name string, check func(context.Context) error, interval, timeout time.Duration, report func(bool)) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Watcher{
		name:     name,
		check:    check,
		interval: interval,
		timeout:  timeout,
		report:   report,
	}
}

func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
	logger.Log.Info("Started connectivity watcher", zap.String("signal", w.name), zap.Duration("interval", w.interval))
}

func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	logger.Log.Info("Stopped connectivity watcher", zap.String("signal", w.name))
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last, known bool
	for {
		online := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if !known || online != last {
			known, last = true, online
			w.report(online)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.check(ctx); err != nil {
		logger.Log.Debug("Connectivity check failed", zap.String("signal", w.name), zap.Error(err))
		return false
	}
	return true
}
