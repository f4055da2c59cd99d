package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix reserves the cache namespace inside the local key-value
// collection.
const KeyPrefix = "cache:"

// KVStore is the subset of the local store the KV persister needs.
type KVStore interface {
	SetValue(ctx context.Context, key string, value []byte) error
	DeleteValue(ctx context.Context, key string) error
	ListValues(ctx context.Context, prefix string) (map[string][]byte, error)
}

// KVPersister writes entries through to the local durable key-value
// collection under KeyPrefix.
type KVPersister struct {
	kv KVStore
}

func NewKVPersister(kv KVStore) *KVPersister {
	return &KVPersister{kv: kv}
}

func (p *KVPersister) Load(ctx context.Context) ([]*Entry, error) {
	rows, err := p.kv.ListValues(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(rows))
	for k, raw := range rows {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func (p *KVPersister) Save(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.kv.SetValue(ctx, KeyPrefix+e.Key, raw)
}

func (p *KVPersister) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if err := p.kv.DeleteValue(ctx, KeyPrefix+k); err != nil {
			return err
		}
	}
	return nil
}

func (p *KVPersister) Clear(ctx context.Context) error {
	rows, err := p.kv.ListValues(ctx, KeyPrefix)
	if err != nil {
		return err
	}
	for k := range rows {
		if err := p.kv.DeleteValue(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

type RedisSettings struct {
	Host     string
	Port     int
	Password string
	Database int
	Prefix   string
	Timeout  time.Duration
}

// RedisPersister shares entries through Redis. Keys carry a Redis TTL equal
// to the entry's remaining lifetime, so Redis expires them on its own.
type RedisPersister struct {
	cli    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisPersister(cfg RedisSettings) (*RedisPersister, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = KeyPrefix
	}

	cli := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &RedisPersister{cli: cli, prefix: cfg.Prefix, now: time.Now}, nil
}

func (p *RedisPersister) Close() error { return p.cli.Close() }

func (p *RedisPersister) keys(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		batch, next, err := p.cli.Scan(ctx, cursor, p.prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (p *RedisPersister) Load(ctx context.Context) ([]*Entry, error) {
	keys, err := p.keys(ctx)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	vals, err := p.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func (p *RedisPersister) Save(ctx context.Context, e *Entry) error {
	ttl := e.TTL - p.now().Sub(e.CreatedAt)
	if ttl <= 0 {
		return p.Delete(ctx, e.Key)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.cli.Set(ctx, p.prefix+e.Key, raw, ttl).Err()
}

func (p *RedisPersister) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.prefix + k
	}
	return p.cli.Del(ctx, full...).Err()
}

func (p *RedisPersister) Clear(ctx context.Context) error {
	keys, err := p.keys(ctx)
	if err != nil || len(keys) == 0 {
		return err
	}
	return p.cli.Del(ctx, keys...).Err()
}
