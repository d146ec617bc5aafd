package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// emptyDocument is written when the backing document does not exist yet.
const emptyDocument = "{}"

// Backend abstracts where the pathway document lives. All backends share
// the same single-document contract.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	LastModified(ctx context.Context) (time.Time, error)
}

// Watcher is implemented by backends that can push change notifications, so
// the store invalidates its cache without waiting for the next poll.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// FileBackend stores the document as a local JSON file.
type FileBackend struct {
	path   string
	logger *zap.Logger
}

// NewFileBackend creates the document with {} if absent.
func NewFileBackend(path string, logger *zap.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(emptyDocument), 0o644); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", path, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileBackend{path: path, logger: logger}, nil
}

// Load implements Backend.
func (f *FileBackend) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return data, nil
}

// Save implements Backend with a write-then-rename so concurrent readers
// never see a torn document.
func (f *FileBackend) Save(_ context.Context, data []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// LastModified implements Backend.
func (f *FileBackend) LastModified(_ context.Context) (time.Time, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", f.path, err)
	}
	return info.ModTime(), nil
}

// Watch implements Watcher over fsnotify.
func (f *FileBackend) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == f.path && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("pathway file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// RedisBackend stores the document as a blob in a shared redis, making
// writes visible to other instances within one polling interval.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend builds a backend over the given client.
func NewRedisBackend(client *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = "cortex:pathways"
	}
	return &RedisBackend{client: client, key: key}
}

func (r *RedisBackend) mtimeKey() string { return r.key + ":mtime" }

// Load implements Backend, creating the empty document on first use.
func (r *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		if err := r.Save(ctx, []byte(emptyDocument)); err != nil {
			return nil, err
		}
		return []byte(emptyDocument), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return data, nil
}

// Save implements Backend.
func (r *RedisBackend) Save(ctx context.Context, data []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key, data, 0)
	pipe.Set(ctx, r.mtimeKey(), strconv.FormatInt(time.Now().UnixNano(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// LastModified implements Backend.
func (r *RedisBackend) LastModified(ctx context.Context) (time.Time, error) {
	v, err := r.client.Get(ctx, r.mtimeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get %s: %w", r.mtimeKey(), err)
	}
	nano, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse mtime: %w", err)
	}
	return time.Unix(0, nano), nil
}
