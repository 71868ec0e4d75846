// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// memoryRecord is the in-memory record of a persisted session.
type memoryRecord struct {
	sid       string    // The session ID
	payload   Payload   // The session payload
	expiredAt time.Time // The absolute expiry time of the record

	index int // The index in the heap
}

// copyData returns a shallow copy of given session data, so that records and
// live sessions do not share the same map.
func copyData(data Data) Data {
	copied := make(Data, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return copied
}

var _ Store = (*memoryStore)(nil)

// memoryStore is an in-memory implementation of the session store.
type memoryStore struct {
	nowFunc  func() time.Time // The function to return the current time
	lifetime time.Duration    // The duration a session is valid before expiring

	lock  sync.RWMutex             // The mutex to guard accesses to the heap and index
	heap  []*memoryRecord          // The heap to be managed by operations of heap.Interface
	index map[string]*memoryRecord // The index to be managed by operations of heap.Interface
}

// newMemoryStore returns a new memory session store based on given
// configuration.
func newMemoryStore(cfg MemoryConfig) *memoryStore {
	return &memoryStore{
		nowFunc:  cfg.nowFunc,
		lifetime: cfg.Lifetime,
		index:    make(map[string]*memoryRecord),
	}
}

// Len implements `heap.Interface.Len`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStore) Len() int {
	return len(s.heap)
}

// Less implements `heap.Interface.Less`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStore) Less(i, j int) bool {
	return s.heap[i].expiredAt.Before(s.heap[j].expiredAt)
}

// Swap implements `heap.Interface.Swap`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStore) Swap(i, j int) {
	s.heap[i], s.heap[j] = s.heap[j], s.heap[i]
	s.heap[i].index = i
	s.heap[j].index = j
}

// Push implements `heap.Interface.Push`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStore) Push(x interface{}) {
	n := s.Len()
	r := x.(*memoryRecord)
	r.index = n
	s.heap = append(s.heap, r)
	s.index[r.sid] = r
}

// Pop implements `heap.Interface.Pop`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStore) Pop() interface{} {
	n := s.Len()
	r := s.heap[n-1]

	s.heap[n-1] = nil // Avoid memory leak
	r.index = -1      // For safety

	s.heap = s.heap[:n-1]
	delete(s.index, r.sid)
	return r
}

func (s *memoryStore) Exist(_ context.Context, sid string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.index[sid]
	return ok
}

func (s *memoryStore) Read(_ context.Context, sid string) (Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	r, ok := s.index[sid]
	if ok {
		// Only use the record if it is not expired, because the GC may have not
		// caught up.
		if s.nowFunc().Before(r.expiredAt) {
			return NewBaseSessionWithPayload(
				sid,
				nil,
				Payload{
					Created: r.payload.Created,
					Data:    copyData(r.payload.Data),
				},
			), nil
		}

		heap.Remove(s, r.index)
	}

	return NewBaseSession(sid, nil), nil
}

func (s *memoryStore) Destroy(_ context.Context, sid string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	r, ok := s.index[sid]
	if !ok {
		return nil
	}

	heap.Remove(s, r.index)
	return nil
}

func (s *memoryStore) Touch(_ context.Context, sid string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	r, ok := s.index[sid]
	if !ok {
		return nil
	}

	r.expiredAt = s.nowFunc().Add(s.lifetime)
	heap.Fix(s, r.index)
	return nil
}

func (s *memoryStore) Save(_ context.Context, sess Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	payload := sess.Payload()
	payload.Data = copyData(payload.Data)

	expiredAt := s.nowFunc().Add(s.lifetime)
	r, ok := s.index[sess.ID()]
	if ok {
		r.payload = payload
		r.expiredAt = expiredAt
		heap.Fix(s, r.index)
		return nil
	}

	heap.Push(s,
		&memoryRecord{
			sid:       sess.ID(),
			payload:   payload,
			expiredAt: expiredAt,
		},
	)
	return nil
}

func (s *memoryStore) GC(ctx context.Context) error {
	// Removing expired records from top of the heap until there is no more
	// expired records found.
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		done := func() bool {
			s.lock.Lock()
			defer s.lock.Unlock()

			if s.Len() == 0 {
				return true
			}

			r := s.heap[0]

			// If the earliest expiring record is not expired, there is no need to
			// continue
			if s.nowFunc().Before(r.expiredAt) {
				return true
			}

			heap.Remove(s, r.index)
			return false
		}()
		if done {
			break
		}
	}
	return nil
}

// MemoryConfig contains options for the memory session store.
type MemoryConfig struct {
	nowFunc func() time.Time // For tests only

	// Lifetime is the duration a session is valid before expiring. Default is
	// 3600 seconds.
	Lifetime time.Duration
}

// MemoryIniter returns the Initer for the memory session store.
func MemoryIniter() Initer {
	return func(_ context.Context, args ...interface{}) (Store, error) {
		var cfg *MemoryConfig
		for i := range args {
			switch v := args[i].(type) {
			case MemoryConfig:
				cfg = &v
			}
		}

		if cfg == nil {
			cfg = &MemoryConfig{}
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.Lifetime.Seconds() < 1 {
			cfg.Lifetime = 3600 * time.Second
		}

		return newMemoryStore(*cfg), nil
	}
}
