// Package lock implements a distributed mutual-exclusion lock over Redis,
// used to keep concurrent rebuild attempts for the same entity counter from
// stepping on each other.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if it still holds the token this
// handle acquired, so a handle can never release a lock some other holder
// has since taken after this one's TTL lapsed.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while this handle still owns the lock.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires named, TTL-bounded locks backed by a Redis SETNX.
type Locker struct {
	client *redis.Client
}

// New wraps a Redis client for lock acquisition.
func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Handle represents a held lock. Release must be called to end the
// background renewal goroutine.
type Handle struct {
	locker *Locker
	key    string
	token  string
	ttl    time.Duration
	stop   chan struct{}
	done   chan struct{}
}

// TryAcquire attempts a non-blocking, zero-wait lock acquisition. ok is
// false if the lock is already held by someone else; callers that want to
// refuse rather than queue (the rebuild protocol's "only one rebuild in
// flight" rule) treat that as a signal to back off, not to retry the
// acquisition themselves.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	h := &Handle{
		locker: l,
		key:    key,
		token:  token,
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.watchdog()
	return h, true, nil
}

// watchdog renews the lock at roughly a third of its TTL so a slow holder
// is not evicted mid-operation. It exits as soon as Release is called.
func (h *Handle) watchdog() {
	defer close(h.done)
	interval := h.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.ttl)
			renewScript.Run(ctx, h.locker.client, []string{h.key}, h.token, h.ttl.Milliseconds())
			cancel()
		}
	}
}

// Release stops renewal and deletes the lock if this handle still owns it.
func (h *Handle) Release(ctx context.Context) error {
	close(h.stop)
	<-h.done
	if err := releaseScript.Run(ctx, h.locker.client, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", h.key, err)
	}
	return nil
}
