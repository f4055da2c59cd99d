package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingReporter struct {
	faults []string
}

func (r *recordingReporter) ReportError(op, key string, err error) {
	r.faults = append(r.faults, fmt.Sprintf("%s %s: %v", op, key, err))
}

func TestExpiry(t *testing.T) {
	clock := newClock()
	c := New(Config{Now: clock.Now})

	require.True(t, c.Set("k", "v", Options{TTL: time.Minute}))

	clock.Advance(30 * time.Second)
	raw, ok := c.Get("k", "")
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(raw))

	clock.Advance(31 * time.Second)
	_, ok = c.Get("k", "")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries, "expired entry is removed on lookup")
}

func TestTTLScenario(t *testing.T) {
	clock := newClock()
	c := New(Config{Now: clock.Now})
	invoices := []map[string]any{{"id": "i1", "total": 120.5}, {"id": "i2", "total": 80.0}}

	require.True(t, c.Set("invoices", invoices, Options{TTL: 30 * time.Minute}))

	clock.Advance(29 * time.Minute)
	var got []map[string]any
	require.True(t, c.Lookup("invoices", "", &got))
	assert.Len(t, got, 2)

	clock.Advance(2 * time.Minute)
	assert.False(t, c.Lookup("invoices", "", &got))
}

func TestDefaultTTL(t *testing.T) {
	clock := newClock()
	c := New(Config{Now: clock.Now, DefaultTTL: 10 * time.Second})

	require.True(t, c.Set("k", 1, Options{}))
	clock.Advance(11 * time.Second)
	assert.False(t, c.Has("k"))
}

func TestVersion(t *testing.T) {
	c := New(Config{})
	require.True(t, c.Set("report", map[string]int{"n": 1}, Options{Version: "v2"}))

	_, ok := c.Get("report", "v2")
	assert.True(t, ok)
	_, ok = c.Get("report", "")
	assert.True(t, ok, "no requested version matches any")

	_, ok = c.Get("report", "v3")
	assert.False(t, ok)
	_, ok = c.Get("report", "v2")
	assert.False(t, ok, "mismatch deletes the stale entry")
}

func TestHas(t *testing.T) {
	clock := newClock()
	c := New(Config{Now: clock.Now})
	require.True(t, c.Set("k", 1, Options{TTL: time.Second}))

	assert.True(t, c.Has("k"))
	assert.False(t, c.Has("other"))
	assert.Zero(t, c.Stats().Hits, "Has does not count as a lookup")

	clock.Advance(2 * time.Second)
	assert.False(t, c.Has("k"))
}

func TestInvalidate(t *testing.T) {
	c := New(Config{})
	for _, k := range []string{"invoices:2026", "invoices:2025", "customers:all"} {
		require.True(t, c.Set(k, k, Options{}))
	}

	assert.Equal(t, 2, c.Invalidate("^invoices:"))
	assert.True(t, c.Has("customers:all"))
	assert.False(t, c.Has("invoices:2025"))

	t.Run("BadPattern", func(t *testing.T) {
		rep := &recordingReporter{}
		c := New(Config{Reporter: rep})
		assert.Zero(t, c.Invalidate("("))
		assert.Len(t, rep.faults, 1)
	})
}

func TestInvalidateByTags(t *testing.T) {
	c := New(Config{})
	require.True(t, c.Set("revenue", 1, Options{Tags: []string{"reports"}}))
	require.True(t, c.Set("payroll", 2, Options{Tags: []string{"reports", "hr"}}))
	require.True(t, c.Set("staff", 3, Options{Tags: []string{"hr"}}))
	require.True(t, c.Set("plain", 4, Options{}))

	assert.Equal(t, 2, c.InvalidateByTags([]string{"reports"}))
	assert.False(t, c.Has("revenue"))
	assert.False(t, c.Has("payroll"))
	assert.True(t, c.Has("staff"))
	assert.True(t, c.Has("plain"))
	assert.Zero(t, c.InvalidateByTags(nil))
}

func TestCleanup(t *testing.T) {
	clock := newClock()
	c := New(Config{Now: clock.Now})
	require.True(t, c.Set("short", 1, Options{TTL: time.Minute}))
	require.True(t, c.Set("long", 2, Options{TTL: time.Hour}))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 1, c.Stats().Entries)
	assert.Zero(t, c.Cleanup())
}

// Each entry is 167 bytes: 3-byte key, 100-byte JSON string, 64 overhead.
func fill(t *testing.T, c *Cache, clock *fakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, c.Set(fmt.Sprintf("k%02d", i), strings.Repeat("x", 98), Options{TTL: time.Hour}))
		clock.Advance(time.Second)
	}
}

func TestEvictionUnderPressure(t *testing.T) {
	clock := newClock()
	c := New(Config{Now: clock.Now, MaxSize: 2100})

	fill(t, c, clock, 12)
	require.Equal(t, int64(12*167), c.Stats().Size)
	require.Zero(t, c.Stats().Evictions)

	require.True(t, c.Set("k12", strings.Repeat("x", 98), Options{TTL: time.Hour}))

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Evictions, "a quarter of 13 entries")
	assert.LessOrEqual(t, stats.Size, stats.MaxSize)
	for _, k := range []string{"k00", "k01", "k02"} {
		assert.False(t, c.Has(k), k)
	}
	for _, k := range []string{"k03", "k11", "k12"} {
		assert.True(t, c.Has(k), k)
	}
}

func TestEvictionIsLRU(t *testing.T) {
	clock := newClock()
	c := New(Config{Now: clock.Now, MaxSize: 2100})

	fill(t, c, clock, 12)
	_, ok := c.Get("k00", "")
	require.True(t, ok)

	require.True(t, c.Set("k12", strings.Repeat("x", 98), Options{TTL: time.Hour}))

	assert.True(t, c.Has("k00"), "recently read entry survives")
	for _, k := range []string{"k01", "k02", "k03"} {
		assert.False(t, c.Has(k), k)
	}
}

func TestEvictionWithFrozenClock(t *testing.T) {
	c := New(Config{Now: newClock().Now, MaxSize: 2100})
	for i := 0; i < 13; i++ {
		require.True(t, c.Set(fmt.Sprintf("k%02d", i), strings.Repeat("x", 98), Options{}))
	}
	assert.True(t, c.Has("k12"), "the newest write is never the first victim")
	assert.False(t, c.Has("k00"))
}

func TestSetFaults(t *testing.T) {
	rep := &recordingReporter{}
	c := New(Config{Reporter: rep, MaxSize: 100})

	assert.False(t, c.Set("chan", make(chan int), Options{}))
	assert.False(t, c.Set("big", strings.Repeat("x", 200), Options{}))
	require.Len(t, rep.faults, 2)
	assert.Contains(t, rep.faults[0], "encode")
	assert.Contains(t, rep.faults[1], ErrTooLarge.Error())
	assert.Zero(t, c.Stats().Entries)
}

func TestCompression(t *testing.T) {
	c := New(Config{})
	value := strings.Repeat("abc", 1000)

	require.True(t, c.Set("plain", value, Options{}))
	require.True(t, c.Set("packed", value, Options{Compress: true}))

	var got string
	require.True(t, c.Lookup("packed", "", &got))
	assert.Equal(t, value, got)

	c.mu.Lock()
	plain, packed := c.entries["plain"].Size, c.entries["packed"].Size
	c.mu.Unlock()
	assert.Less(t, packed, plain)
}

func TestStats(t *testing.T) {
	c := New(Config{})
	require.True(t, c.Set("a", 1, Options{}))
	c.Get("a", "")
	c.Get("a", "")
	c.Get("b", "")
	c.Delete("a")

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Sets)
	assert.Equal(t, int64(1), s.Deletes)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
	assert.Zero(t, s.Size)
}

type memKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	failing bool
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) SetValue(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.data[key] = value
	return nil
}

func (m *memKV) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) ListValues(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func TestKVPersister(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	kv := newMemKV()
	kv.data["app_state"] = []byte(`{}`)

	c := New(Config{Now: clock.Now, Persister: NewKVPersister(kv)})
	require.True(t, c.Set("a", "alpha", Options{TTL: time.Hour, Tags: []string{"t"}}))
	require.True(t, c.Set("b", "beta", Options{TTL: time.Minute, Compress: true}))
	assert.Contains(t, kv.data, KeyPrefix+"a")

	clock.Advance(2 * time.Minute)
	restored := New(Config{Now: clock.Now, Persister: NewKVPersister(kv)})
	assert.Equal(t, 1, restored.Restore(ctx))

	var got string
	require.True(t, restored.Lookup("a", "", &got))
	assert.Equal(t, "alpha", got)
	assert.NotContains(t, kv.data, KeyPrefix+"b", "expired rows are dropped on restore")

	restored.Clear()
	assert.Len(t, kv.data, 1, "clearing leaves non-cache rows alone")
}

func TestPersistFaultDoesNotFailSet(t *testing.T) {
	kv := newMemKV()
	kv.failing = true
	rep := &recordingReporter{}

	c := New(Config{Persister: NewKVPersister(kv), Reporter: rep})
	assert.True(t, c.Set("a", 1, Options{}))
	assert.True(t, c.Has("a"))
	require.Len(t, rep.faults, 1)
	assert.Contains(t, rep.faults[0], "persist")
}

func TestRestoreKeepsAccessOrder(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	kv := newMemKV()

	c := New(Config{Now: clock.Now, MaxSize: 2100, Persister: NewKVPersister(kv)})
	fill(t, c, clock, 12)
	_, ok := c.Get("k00", "")
	require.True(t, ok)
	readAt := clock.Now()

	loaded, err := NewKVPersister(kv).Load(ctx)
	require.NoError(t, err)
	var persisted *Entry
	for _, e := range loaded {
		if e.Key == "k00" {
			persisted = e
		}
	}
	require.NotNil(t, persisted)
	assert.True(t, persisted.Timestamp.Equal(readAt), "the read is persisted")

	restored := New(Config{Now: clock.Now, MaxSize: 2100, Persister: NewKVPersister(kv)})
	require.Equal(t, 12, restored.Restore(ctx))
	clock.Advance(time.Second)
	require.True(t, restored.Set("k12", strings.Repeat("x", 98), Options{TTL: time.Hour}))

	assert.True(t, restored.Has("k00"), "recently read entry survives a restart")
	for _, k := range []string{"k01", "k02", "k03"} {
		assert.False(t, restored.Has(k), k)
	}
}
