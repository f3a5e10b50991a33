package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/claim/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseLocksAreDroppedWhenIdle(t *testing.T) {
	store := New()
	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		id := snowflake.ID(i)
		store.PutCase(domain.Case{ID: id, CaseNumber: id.String()})
		require.NoError(t, store.WithCaseLock(ctx, id, func(context.Context, domain.Tx) error { return nil }))
	}
	assert.Zero(t, store.LockedCases())
}

func TestWithCaseLockSerializesSameCase(t *testing.T) {
	store := New()
	ctx := context.Background()
	id := snowflake.ID(42)
	store.PutCase(domain.Case{ID: id, CaseNumber: "2026-CA-000042"})

	var (
		mu      sync.Mutex
		inside  int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithCaseLock(ctx, id, func(context.Context, domain.Tx) error {
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Zero(t, store.LockedCases())
}

func TestWithCaseLockHonoursCancelledContext(t *testing.T) {
	store := New()
	id := snowflake.ID(7)
	store.PutCase(domain.Case{ID: id, CaseNumber: "2026-CA-000007"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.WithCaseLock(ctx, id, func(context.Context, domain.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, store.LockedCases())
}
