package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// KV stores context blobs: small string maps keyed by an opaque context id.
// A prompt writes into its request's blob via saveResultTo and later prompts
// read the union of args and the blob.
type KV interface {
	Get(ctx context.Context, id string) (map[string]string, error)
	Set(ctx context.Context, id string, values map[string]string) error
}

// MemoryKV is the single-instance KV.
type MemoryKV struct {
	mu    sync.RWMutex
	blobs map[string]map[string]string
}

// NewMemoryKV builds an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{blobs: make(map[string]map[string]string)}
}

// Get returns a copy of the blob for id.
func (m *MemoryKV) Get(_ context.Context, id string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.blobs[id]))
	for k, v := range m.blobs[id] {
		out[k] = v
	}
	return out, nil
}

// Set replaces the blob for id. Last writer wins.
func (m *MemoryKV) Set(_ context.Context, id string, values map[string]string) error {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	m.mu.Lock()
	m.blobs[id] = cp
	m.mu.Unlock()
	return nil
}

// RedisKV shares context blobs between instances as redis hashes.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV builds a KV over the given client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client, prefix: "cortex:context:"}
}

// Get loads the hash for id.
func (r *RedisKV) Get(ctx context.Context, id string) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.prefix+id).Result()
}

// Set writes the hash for id. Last writer wins across instances, which is
// acceptable because a context id belongs to one conversation.
func (r *RedisKV) Set(ctx context.Context, id string, values map[string]string) error {
	if len(values) == 0 {
		return r.client.Del(ctx, r.prefix+id).Err()
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	return r.client.HSet(ctx, r.prefix+id, fields).Err()
}
