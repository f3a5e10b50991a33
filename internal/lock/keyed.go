package lock

import (
	"context"
	"sync"
	"time"
)

// Keyed is an in-process mutex per key. Keys with no holders or waiters are dropped.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

func (k *Keyed) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	s := k.acquireSlot(key)

	if wait <= 0 {
		select {
		case s.ch <- struct{}{}:
			return k.unlocker(key, s), nil
		default:
			k.releaseSlot(key, s)
			return nil, ErrTimeout
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return k.unlocker(key, s), nil
	case <-timer.C:
		k.releaseSlot(key, s)
		return nil, ErrTimeout
	case <-ctx.Done():
		k.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

func (k *Keyed) unlocker(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.releaseSlot(key, s)
		})
	}
}

func (k *Keyed) acquireSlot(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) releaseSlot(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Len reports how many keys are currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
