// Package cache is a bounded key/value cache with per-entry TTL, version
// stamps, tags for bulk invalidation and size-driven LRU eviction.
//
// Cache errors never reach the caller: they are handed to the configured
// ErrorReporter and the operation degrades to a miss or a rejected write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

const (
	DefaultMaxSize = 50 * 1024 * 1024
	DefaultTTL     = 30 * time.Minute

	// evictFraction of entries, by last access, is dropped per eviction pass.
	evictFraction = 0.25
)

var ErrTooLarge = errors.New("entry exceeds cache capacity")

type Options struct {
	TTL      time.Duration
	Version  string
	Tags     []string
	Compress bool
}

type Entry struct {
	Key        string        `json:"key"`
	Data       []byte        `json:"data"`
	CreatedAt  time.Time     `json:"createdAt"`
	TTL        time.Duration `json:"ttl"`
	Version    string        `json:"version,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	Size       int64         `json:"size"`
	Timestamp  time.Time     `json:"timestamp"`
	Compressed bool          `json:"compressed,omitempty"`

	// touched orders entries whose timestamps are equal.
	touched uint64
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

func (e *Entry) hasTag(tags map[string]struct{}) bool {
	for _, t := range e.Tags {
		if _, ok := tags[t]; ok {
			return true
		}
	}
	return false
}

// ErrorReporter receives cache faults.
type ErrorReporter interface {
	ReportError(op, key string, err error)
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(op, key string, err error)

func (f ReporterFunc) ReportError(op, key string, err error) { f(op, key, err) }

type logReporter struct{}

func (logReporter) ReportError(op, key string, err error) {
	logger.Log.Warn("Cache fault", zap.String("op", op), zap.String("key", key), zap.Error(err))
}

// Persister makes entries survive restarts. Implementations must be safe
// for concurrent use.
type Persister interface {
	Load(ctx context.Context) ([]*Entry, error)
	Save(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

type Config struct {
	MaxSize    int64
	DefaultTTL time.Duration
	Now        func() time.Time
	Reporter   ErrorReporter
	Persister  Persister
}

type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	MaxSize   int64   `json:"maxSize"`
	HitRate   float64 `json:"hitRate"`
}

type Cache struct {
	maxSize    int64
	defaultTTL time.Duration
	now        func() time.Time
	reporter   ErrorReporter
	persister  Persister

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
	stats   Stats
	ticks   uint64
}

func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Reporter == nil {
		cfg.Reporter = logReporter{}
	}
	return &Cache{
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
		reporter:   cfg.Reporter,
		persister:  cfg.Persister,
		entries:    make(map[string]*Entry),
	}
}

// Restore loads persisted entries, dropping the ones that already expired.
func (c *Cache) Restore(ctx context.Context) int {
	if c.persister == nil {
		return 0
	}
	loaded, err := c.persister.Load(ctx)
	if err != nil {
		c.reporter.ReportError("restore", "", err)
		return 0
	}

	now := c.now()
	var stale []string
	c.mu.Lock()
	for _, e := range loaded {
		if e.expired(now) {
			stale = append(stale, e.Key)
			continue
		}
		if old, ok := c.entries[e.Key]; ok {
			c.size -= old.Size
		}
		c.ticks++
		e.touched = c.ticks
		c.entries[e.Key] = e
		c.size += e.Size
	}
	evicted := c.evictLocked()
	n := len(c.entries)
	c.mu.Unlock()

	c.forget(append(stale, evicted...))
	return n
}

// Set stores data, JSON-encoded and optionally snappy-compressed. It returns
// false when the value cannot be encoded or does not fit.
func (c *Cache) Set(key string, data any, opts Options) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		c.reporter.ReportError("set", key, fmt.Errorf("encode: %w", err))
		return false
	}
	if opts.Compress {
		raw = snappy.Encode(nil, raw)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	e := &Entry{
		Key:        key,
		Data:       raw,
		CreatedAt:  now,
		TTL:        ttl,
		Version:    opts.Version,
		Tags:       append([]string(nil), opts.Tags...),
		Timestamp:  now,
		Compressed: opts.Compress,
	}
	e.Size = estimateSize(e)
	if e.Size > c.maxSize {
		c.reporter.ReportError("set", key, ErrTooLarge)
		return false
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.size -= old.Size
	}
	c.ticks++
	e.touched = c.ticks
	c.entries[key] = e
	c.size += e.Size
	c.stats.Sets++
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.forget(evicted)
	if c.persister != nil {
		if err := c.persister.Save(context.Background(), e); err != nil {
			c.reporter.ReportError("set", key, fmt.Errorf("persist: %w", err))
		}
	}
	return true
}

// Get returns the decoded JSON for key. An empty version matches any
// entry. Expired and version-mismatched entries are removed. A hit refreshes
// the entry's access time, in the persister too when one is configured.
func (c *Cache) Get(key, version string) (json.RawMessage, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}
	if e.expired(now) || (version != "" && e.Version != version) {
		c.removeLocked(key)
		c.stats.Misses++
		c.mu.Unlock()
		c.forget([]string{key})
		return nil, false
	}
	e.Timestamp = now
	c.ticks++
	e.touched = c.ticks
	c.stats.Hits++
	data, compressed := e.Data, e.Compressed
	var touched *Entry
	if c.persister != nil {
		cp := *e
		touched = &cp
	}
	c.mu.Unlock()

	// The access time is persisted so a restored cache keeps its LRU order.
	if touched != nil {
		if err := c.persister.Save(context.Background(), touched); err != nil {
			c.reporter.ReportError("get", key, fmt.Errorf("persist access: %w", err))
		}
	}

	if !compressed {
		return json.RawMessage(data), true
	}
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		c.reporter.ReportError("get", key, fmt.Errorf("decompress: %w", err))
		return nil, false
	}
	return json.RawMessage(decoded), true
}

// Lookup is Get followed by decoding into out.
func (c *Cache) Lookup(key, version string, out any) bool {
	raw, ok := c.Get(key, version)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.reporter.ReportError("get", key, fmt.Errorf("decode: %w", err))
		return false
	}
	return true
}

func (c *Cache) Has(key string) bool {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		c.removeLocked(key)
		c.mu.Unlock()
		c.forget([]string{key})
		return false
	}
	c.mu.Unlock()
	return ok
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	if ok {
		c.removeLocked(key)
	}
	c.mu.Unlock()
	if ok {
		c.forget([]string{key})
	}
	return ok
}

// Invalidate removes every entry whose key matches the regular expression.
func (c *Cache) Invalidate(pattern string) int {
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.reporter.ReportError("invalidate", pattern, err)
		return 0
	}
	return c.removeWhere(func(e *Entry) bool { return re.MatchString(e.Key) })
}

// InvalidateByTags removes entries carrying any of tags.
func (c *Cache) InvalidateByTags(tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return c.removeWhere(func(e *Entry) bool { return e.hasTag(set) })
}

// Cleanup removes all expired entries.
func (c *Cache) Cleanup() int {
	now := c.now()
	n := c.removeWhere(func(e *Entry) bool { return e.expired(now) })
	if n > 0 {
		logger.Log.Debug("Cache cleanup", zap.Int("removed", n))
	}
	return n
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.size = 0
	c.mu.Unlock()
	if c.persister != nil {
		if err := c.persister.Clear(context.Background()); err != nil {
			c.reporter.ReportError("clear", "", err)
		}
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Size = c.size
	s.MaxSize = c.maxSize
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) removeWhere(match func(e *Entry) bool) int {
	c.mu.Lock()
	var keys []string
	for k, e := range c.entries {
		if match(e) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		c.removeLocked(k)
	}
	c.mu.Unlock()
	c.forget(keys)
	return len(keys)
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.size -= e.Size
		delete(c.entries, key)
		c.stats.Deletes++
	}
}

// evictLocked drops the least recently used quarter of the entries when the
// cache is over capacity, then keeps dropping the oldest until it fits.
func (c *Cache) evictLocked() []string {
	if c.size <= c.maxSize {
		return nil
	}

	byAccess := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		byAccess = append(byAccess, e)
	}
	sort.Slice(byAccess, func(i, j int) bool {
		a, b := byAccess[i], byAccess[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.touched < b.touched
	})

	quota := int(float64(len(byAccess)) * evictFraction)
	if quota < 1 {
		quota = 1
	}

	var evicted []string
	for i, e := range byAccess {
		if i >= quota && c.size <= c.maxSize {
			break
		}
		c.size -= e.Size
		delete(c.entries, e.Key)
		evicted = append(evicted, e.Key)
	}
	c.stats.Evictions += int64(len(evicted))

	logger.Log.Debug("Cache eviction",
		zap.Int("evicted", len(evicted)),
		zap.Int64("size", c.size),
		zap.Int64("maxSize", c.maxSize),
	)
	return evicted
}

func (c *Cache) forget(keys []string) {
	if c.persister == nil || len(keys) == 0 {
		return
	}
	if err := c.persister.Delete(context.Background(), keys...); err != nil {
		c.reporter.ReportError("delete", keys[0], err)
	}
}

// estimateSize approximates the entry footprint: payload, key, tags and a
// fixed overhead for timestamps and bookkeeping.
func estimateSize(e *Entry) int64 {
	n := int64(len(e.Data) + len(e.Key) + len(e.Version) + 64)
	for _, t := range e.Tags {
		n += int64(len(t))
	}
	return n
}
