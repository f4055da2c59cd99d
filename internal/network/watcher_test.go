package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reports struct {
	mu  sync.Mutex
	got []bool
}

func (r *reports) add(v bool) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *reports) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.got...)
}

type flakyPinger struct{ down atomic.Bool }

func (p *flakyPinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestPingWatcherReportsTransitions(t *testing.T) {
	p := &flakyPinger{}
	r := &reports{}
	w := NewPingWatcher(p, 10*time.Millisecond, 5*time.Millisecond, r.add)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	p.down.Store(true)
	require.Eventually(t, func() bool { return len(r.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	p.down.Store(false)
	require.Eventually(t, func() bool { return len(r.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, r.snapshot())
}

func TestProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	r := &reports{}
	w := NewProber(ln.Addr().String(), 10*time.Millisecond, 50*time.Millisecond, r.add)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return len(r.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.snapshot()[0])

	require.NoError(t, ln.Close())
	require.Eventually(t, func() bool {
		got := r.snapshot()
		return len(got) == 2 && !got[1]
	}, time.Second, 5*time.Millisecond)
}

func TestStopWithoutStart(t *testing.T) {
	w := NewPingWatcher(&flakyPinger{}, time.Second, time.Second, func(bool) {})
	assert.NotPanics(t, w.Stop)
}
