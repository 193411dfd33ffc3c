package leaselock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/barokg/backend/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSingleHolder(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	first, err := l.Acquire(ctx, "update", Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, l.Held("update"))

	_, err = l.Acquire(ctx, "update", Options{TTL: time.Minute})
	require.ErrorIs(t, err, ErrBusy)
	assert.True(t, errors.Is(err, common.ErrLockUnavailable))

	other, err := l.Acquire(ctx, "other", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	assert.False(t, l.Held("update"))
	assert.Error(t, first.Context.Err(), "releasing cancels the lease context")

	second, err := l.Acquire(ctx, "update", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestLocalLockerWaitTimeout(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	held, err := l.Acquire(ctx, "update", Options{TTL: time.Minute})
	require.NoError(t, err)
	defer held.Release(ctx)

	start := time.Now()
	_, err = l.Acquire(ctx, "update", Options{
		TTL:          time.Minute,
		Wait:         true,
		WaitTimeout:  30 * time.Millisecond,
		WaitInterval: 5 * time.Millisecond,
	})
	require.ErrorIs(t, err, common.ErrLockUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLocalLockerWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	held, err := l.Acquire(ctx, "update", Options{TTL: time.Minute})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Release(ctx)
	}()

	next, err := l.Acquire(ctx, "update", Options{
		TTL:          time.Minute,
		Wait:         true,
		WaitTimeout:  5 * time.Second,
		WaitInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

func TestLocalLockerTakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	now := time.Now()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "update", Options{TTL: 10 * time.Second})
	require.NoError(t, err)
	defer stale.Release(ctx)

	now = now.Add(time.Minute)
	fresh, err := l.Acquire(ctx, "update", Options{TTL: 10 * time.Second})
	require.NoError(t, err)
	require.NoError(t, fresh.Release(ctx))
}
