package leaselock

import (
	"context"
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// LocalLocker keeps leases in memory. Expired leases are taken over the same
// way the app_locks upsert does.
type LocalLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]localLease
}

type localLease struct {
	token     string
	expiresAt time.Time
}

func NewLocal() *LocalLocker {
	return &LocalLocker{now: time.Now, leases: make(map[string]localLease)}
}

func (c *LocalLocker) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease lock key is empty")
	}

	opts, ttlMs := opts.normalize()

	tok, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	token := opts.TokenPrefix + tok

	acquireOnce := func(ctx context.Context) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		now := c.now()
		cur, held := c.leases[key]
		if held && cur.token != token && cur.expiresAt.After(now) {
			return false, nil
		}
		c.leases[key] = localLease{token: token, expiresAt: now.Add(time.Duration(ttlMs) * time.Millisecond)}
		return true, nil
	}

	if err := acquireLoop(ctx, opts, acquireOnce); err != nil {
		return nil, err
	}

	l := newLease(ctx, key, token)
	l.release = func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.leases[key]; ok && cur.token == token {
			delete(c.leases, key)
		}
		return nil
	}
	l.renew = func(_ context.Context, ttlMs int64) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		cur, ok := c.leases[key]
		if !ok || cur.token != token {
			return ErrLost
		}
		cur.expiresAt = c.now().Add(time.Duration(ttlMs) * time.Millisecond)
		c.leases[key] = cur
		return nil
	}

	go l.renewLoop(opts, ttlMs)

	return l, nil
}

// Held reports whether key is currently leased.
func (c *LocalLocker) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.leases[key]
	return ok && cur.expiresAt.After(c.now())
}
