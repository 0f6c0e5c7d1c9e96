package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryBucketStore keeps one atomic pointer per key. Writers never block
// each other; a lost race shows up as a failed CompareAndSwap.
type MemoryBucketStore struct {
	slots sync.Map
}

func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{}
}

func (s *MemoryBucketStore) Load(_ context.Context, key string) (BucketState, bool, error) {
	if s == nil {
		return BucketState{}, false, fmt.Errorf("ratelimit: bucket store is nil")
	}
	value, ok := s.slots.Load(strings.TrimSpace(key))
	if !ok {
		return BucketState{}, false, nil
	}
	current := value.(*atomic.Pointer[BucketState]).Load()
	if current == nil {
		return BucketState{}, false, nil
	}
	return *current, true, nil
}

func (s *MemoryBucketStore) CompareAndSwap(_ context.Context, key string, expected BucketState, found bool, next BucketState) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("ratelimit: bucket store is nil")
	}
	value, _ := s.slots.LoadOrStore(strings.TrimSpace(key), &atomic.Pointer[BucketState]{})
	slot := value.(*atomic.Pointer[BucketState])
	current := slot.Load()
	if !found {
		if current != nil {
			return false, nil
		}
	} else if current == nil || current.Version != expected.Version {
		return false, nil
	}
	copied := next
	return slot.CompareAndSwap(current, &copied), nil
}

var _ BucketStore = (*MemoryBucketStore)(nil)
