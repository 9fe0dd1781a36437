// Package localstore emulates the remote portal schema inside a persisted
// key-value namespace so the portal keeps working when the data API is down.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is a flat persisted namespace of JSON documents.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryKV keeps values in-process.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.mu.Lock()
	m.data[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// FileKV keeps the namespace in one JSON file, rewritten atomically
// (temp file + rename) on every change.
type FileKV struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

// OpenFileKV loads path if it exists; a missing file starts empty.
func OpenFileKV(path string) (*FileKV, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("local store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create local store dir: %w", err)
	}
	f := &FileKV{path: path, data: make(map[string]json.RawMessage)}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local store: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(content, &f.data); err != nil {
		return nil, fmt.Errorf("decode local store %s: %w", path, err)
	}
	return f, nil
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("local store value for %s is not json", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	buf := make(json.RawMessage, len(value))
	copy(buf, value)
	f.data[key] = buf
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

// Keys lists stored keys, sorted.
func (f *FileKV) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *FileKV) flushLocked() error {
	content, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write local store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace local store: %w", err)
	}
	return nil
}

// RedisKV keeps each key under a namespace prefix in Redis.
type RedisKV struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisKV connects to addr. prefix defaults to "bolashak:local".
func NewRedisKV(addr, password, prefix string) *RedisKV {
	return NewRedisKVWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix)
}

func NewRedisKVWithClient(client *redis.Client, prefix string) *RedisKV {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bolashak:local"
	}
	return &RedisKV{client: client, prefix: prefix, timeout: 3 * time.Second}
}

func (r *RedisKV) key(k string) string { return r.prefix + ":" + k }

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Del(ctx, r.key(key)).Err()
}

// Close releases the Redis connection pool.
func (r *RedisKV) Close() error {
	return r.client.Close()
}

// BackendOptions selects and configures a KV implementation.
type BackendOptions struct {
	// Backend is "memory", "file" or "redis".
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	Prefix        string
}

// OpenKV opens the configured backend. Callers close it when it implements
// io.Closer.
func OpenKV(opts BackendOptions) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "memory":
		return NewMemoryKV(), nil
	case "file":
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("file backend requires a path")
		}
		f, err := OpenFileKV(opts.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "redis":
		if strings.TrimSpace(opts.RedisAddr) == "" {
			return nil, errors.New("redis backend requires an address")
		}
		return NewRedisKV(opts.RedisAddr, opts.RedisPassword, opts.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown local store backend %q", opts.Backend)
	}
}
