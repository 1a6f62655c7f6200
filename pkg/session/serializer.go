// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"slices"
	"sync"

	"github.com/Vusisean11/valiant/pkg/errors"
)

// Serializer grants exclusive access per session id. Waiters are served in
// arrival order; sessions with no holder and no waiters cost nothing.
type Serializer struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	held    bool
	waiters []chan struct{}
	refs    int
}

// NewSerializer creates an empty serializer.
func NewSerializer() *Serializer {
	return &Serializer{slots: make(map[string]*slot)}
}

// Acquire blocks until the caller holds id or ctx is done. The returned
// release func must be called exactly once; extra calls are no-ops.
func (s *Serializer) Acquire(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{}
		s.slots[id] = sl
	}
	sl.refs++
	if !sl.held {
		sl.held = true
		s.mu.Unlock()
		return s.releaser(id, sl), nil
	}
	ch := make(chan struct{})
	sl.waiters = append(sl.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return s.releaser(id, sl), nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	if i := slices.Index(sl.waiters, ch); i >= 0 {
		sl.waiters = slices.Delete(sl.waiters, i, i+1)
		s.drop(id, sl)
		s.mu.Unlock()
		return nil, errors.New(errors.CodeCanceled, "gave up waiting for session", ctx.Err()).
			WithContext("session_id", id)
	}
	s.mu.Unlock()
	// Ownership was handed over while ctx expired; pass it on.
	s.releaser(id, sl)()
	return nil, errors.New(errors.CodeCanceled, "gave up waiting for session", ctx.Err()).
		WithContext("session_id", id)
}

// Pending returns how many callers wait for id, excluding the holder.
func (s *Serializer) Pending(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[id]; ok {
		return len(sl.waiters)
	}
	return 0
}

// Held reports whether id is currently held.
func (s *Serializer) Held(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	return ok && sl.held
}

func (s *Serializer) releaser(id string, sl *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(sl.waiters) > 0 {
				next := sl.waiters[0]
				sl.waiters = sl.waiters[1:]
				close(next)
			} else {
				sl.held = false
			}
			s.drop(id, sl)
		})
	}
}

// drop releases one reference; s.mu must be held.
func (s *Serializer) drop(id string, sl *slot) {
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, id)
	}
}
