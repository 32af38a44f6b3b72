package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultSweepInterval is how often MemoryStorage removes expired records.
	DefaultSweepInterval = 30 * time.Second
	// DefaultShards is the number of independently locked partitions.
	DefaultShards = 32
)

// MemoryStorage implements in-memory rate limit storage.
// Records live in a fixed number of shards, each guarded by its own mutex,
// so operations on different keys rarely contend and the background sweep
// never holds more than one shard at a time.
// Expired records are dropped lazily on read and proactively by the sweep.
// This is suitable for single-instance deployments and testing.
type MemoryStorage struct {
	shards        []*memoryShard
	now           func() time.Time
	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

type recordKind uint8

const (
	counterRecord recordKind = iota
	bucketRecord
	penaltyRecord
)

// memoryRecord stores a value with its absolute expiration time
type memoryRecord struct {
	kind   recordKind
	hits   int64
	bucket BucketState
	expiry time.Time
}

func (r *memoryRecord) expired(now time.Time) bool {
	return !now.Before(r.expiry)
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithSweepInterval sets the background sweep interval. Zero or a negative
// value disables the sweep; expired records are then only removed on read.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(ms *MemoryStorage) {
		ms.sweepInterval = d
	}
}

// WithShards sets the number of shards. Values below 1 are ignored.
func WithShards(n int) MemoryOption {
	return func(ms *MemoryStorage) {
		if n > 0 {
			ms.shards = newShards(n)
		}
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(ms *MemoryStorage) {
		ms.now = now
	}
}

// NewMemoryStorage creates a new in-memory storage backend.
// Unless disabled, it starts a background goroutine that sweeps expired records.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	ms := &MemoryStorage{
		shards:        newShards(DefaultShards),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}

	if ms.sweepInterval > 0 {
		ms.wg.Add(1)
		go ms.sweepLoop()
	}

	return ms
}

func newShards(n int) []*memoryShard {
	shards := make([]*memoryShard, n)
	for i := range shards {
		shards[i] = &memoryShard{records: make(map[string]*memoryRecord)}
	}
	return shards
}

func (ms *MemoryStorage) shard(key string) *memoryShard {
	return ms.shards[xxhash.Sum64String(key)%uint64(len(ms.shards))]
}

// lookup returns the live record for key, deleting it if it has expired.
// The shard lock must be held.
func (s *memoryShard) lookup(key string, now time.Time) (*memoryRecord, bool) {
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	if rec.expired(now) {
		delete(s.records, key)
		return nil, false
	}
	return rec, true
}

// Get retrieves the bucket state for the given key.
func (ms *MemoryStorage) Get(ctx context.Context, key string) (*BucketState, bool, error) {
	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(key, ms.now())
	if !ok || rec.kind != bucketRecord {
		return nil, false, nil
	}

	state := rec.bucket
	return &state, true, nil
}

// Set stores the bucket state for the given key with a TTL.
func (ms *MemoryStorage) Set(ctx context.Context, key string, state BucketState, ttl time.Duration) error {
	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &memoryRecord{
		kind:   bucketRecord,
		bucket: state,
		expiry: ms.now().Add(ttl),
	}
	return nil
}

// Update runs fn against the bucket state of key under the shard lock.
func (ms *MemoryStorage) Update(ctx context.Context, key string, ttl time.Duration, fn func(BucketState, bool) BucketState) (BucketState, error) {
	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := ms.now()
	var next BucketState
	if rec, ok := s.lookup(key, now); ok && rec.kind == bucketRecord {
		next = fn(rec.bucket, true)
	} else {
		next = fn(BucketState{}, false)
	}

	s.records[key] = &memoryRecord{
		kind:   bucketRecord,
		bucket: next,
		expiry: now.Add(ttl),
	}
	return next, nil
}

// Delete removes the record for the given key.
func (ms *MemoryStorage) Delete(ctx context.Context, key string) error {
	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// Increment bumps the counter for key. Only the hit that creates the counter
// sets its expiry, so the window does not slide with traffic.
func (ms *MemoryStorage) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := ms.now()
	if rec, ok := s.lookup(key, now); ok && rec.kind == counterRecord {
		rec.hits++
		return rec.hits, nil
	}

	s.records[key] = &memoryRecord{
		kind:   counterRecord,
		hits:   1,
		expiry: now.Add(ttl),
	}
	return 1, nil
}

// SetPenalty stores a penalty marker for key.
func (ms *MemoryStorage) SetPenalty(ctx context.Context, key string, ttl time.Duration) error {
	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &memoryRecord{
		kind:   penaltyRecord,
		expiry: ms.now().Add(ttl),
	}
	return nil
}

// CheckPenalty reports whether a live penalty marker exists for key.
func (ms *MemoryStorage) CheckPenalty(ctx context.Context, key string) (bool, error) {
	s := ms.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(key, ms.now())
	return ok && rec.kind == penaltyRecord, nil
}

// Len returns the number of records currently held, including expired
// records the sweep has not reached yet.
func (ms *MemoryStorage) Len() int {
	n := 0
	for _, s := range ms.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (ms *MemoryStorage) Close() error {
	ms.stopOnce.Do(func() {
		close(ms.stopCh)
	})
	ms.wg.Wait()
	return nil
}

// Ping checks if the storage is available.
// For in-memory storage, this always returns nil.
func (ms *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// sweepLoop runs periodically to remove expired records.
func (ms *MemoryStorage) sweepLoop() {
	defer ms.wg.Done()

	ticker := time.NewTicker(ms.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.sweep()
		case <-ms.stopCh:
			return
		}
	}
}

// sweep removes expired records one shard at a time.
func (ms *MemoryStorage) sweep() {
	for _, s := range ms.shards {
		now := ms.now()
		s.mu.Lock()
		for key, rec := range s.records {
			if rec.expired(now) {
				delete(s.records, key)
			}
		}
		s.mu.Unlock()
	}
}
