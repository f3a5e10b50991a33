// Package lock provides fail-fast exclusive locks keyed by resource name.
package lock

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("lock_timeout")

// Locker acquires an exclusive lock on key, giving up after wait.
// The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string, wait time.Duration) (unlock func(), err error)
}

// Chain acquires every locker in order and releases them in reverse.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		unlock, err := l.Lock(ctx, key, wait)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
