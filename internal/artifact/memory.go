package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[Ref][]byte
	created map[Ref]time.Time
	now     func() time.Time
}

// MemoryOption customizes a MemoryStore during construction.
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for creation timestamps.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = clock
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data:    make(map[Ref][]byte),
		created: make(map[Ref]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores a copy of data.
func (s *MemoryStore) Put(ctx context.Context, data []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := RefFor(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[ref]; !exists {
		s.data[ref] = append([]byte(nil), data...)
		s.created[ref] = s.now()
	}
	return ref, nil
}

// Get returns a copy of the bytes stored under ref.
func (s *MemoryStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ref.Valid() {
		return nil, fmt.Errorf("get %q: %w", ref, ErrInvalidRef)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[ref]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", ref, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// CreatedAt returns when ref was first stored.
func (s *MemoryStore) CreatedAt(ref Ref) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.created[ref]
	return t, ok
}
