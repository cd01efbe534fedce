package store

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/guardrail/internal/clock"
)

const (
	defaultShards   = 16
	defaultCapacity = 4096
)

type memoryEntry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// memoryStore is the bounded in-process backend. Keys are spread across
// shards so unrelated keys never contend on one lock; each shard enforces its
// slice of the total capacity by evicting the oldest entry when full.
type memoryStore struct {
	shards   []*memoryShard
	capacity int
	clk      clock.Clock
}

// MemoryOptions tunes the bounded local store.
type MemoryOptions struct {
	Shards   int
	Capacity int
	Clock    clock.Clock
}

// NewMemory builds the local fallback store. Zero-valued options fall back to
// sensible defaults.
func NewMemory(opts MemoryOptions) Store {
	shards := opts.Shards
	if shards <= 0 {
		shards = defaultShards
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	s := &memoryStore{
		shards:   make([]*memoryShard, shards),
		capacity: capacity,
		clk:      clk,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return s
}

func (s *memoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	sh := s.shard(key)
	now := s.clk.Now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !now.Before(entry.expiresAt) {
		delete(sh.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (s *memoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	sh := s.shard(key)
	now := s.clk.Now()
	stored := make([]byte, len(value))
	copy(stored, value)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.makeRoom(sh, key, now)
	sh.entries[key] = memoryEntry{
		value:     stored,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (s *memoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	sh := s.shard(key)
	now := s.clk.Now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.entries[key]
	if ok && now.Before(entry.expiresAt) {
		count, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			// Not a counter; start over rather than fail the caller.
			count = 0
		}
		count++
		entry.value = []byte(strconv.FormatInt(count, 10))
		sh.entries[key] = entry
		return count, nil
	}
	s.makeRoom(sh, key, now)
	sh.entries[key] = memoryEntry{
		value:     []byte("1"),
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	return 1, nil
}

func (s *memoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	sh := s.shard(key)
	now := s.clk.Now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.entries[key]
	if !ok {
		return 0, false, nil
	}
	remaining := entry.expiresAt.Sub(now)
	if remaining <= 0 {
		delete(sh.entries, key)
		return 0, false, nil
	}
	return remaining, true, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

// makeRoom keeps the shard under its capacity slice before an insert. Expired
// entries go first; when none are expired the oldest entry is evicted.
func (s *memoryStore) makeRoom(sh *memoryShard, key string, now time.Time) {
	if _, exists := sh.entries[key]; exists {
		return
	}
	limit := s.capacity / len(s.shards)
	if limit < 1 {
		limit = 1
	}
	if len(sh.entries) < limit {
		return
	}
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range sh.entries {
		if !now.Before(e.expiresAt) {
			delete(sh.entries, k)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if len(sh.entries) >= limit && oldestKey != "" {
		delete(sh.entries, oldestKey)
	}
}
