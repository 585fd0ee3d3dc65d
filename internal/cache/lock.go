package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock timeouts used across the application.
const (
	FastTimeout = 5 * time.Second
	LongTimeout = 60 * time.Second
)

var (
	// ErrLockBusy is returned by TryLock when another holder owns the key.
	ErrLockBusy = errors.New("cache: lock is held")
	// ErrLockTimeout is returned by Lock when the wait deadline passes.
	ErrLockTimeout = errors.New("cache: timed out waiting for lock")
	// ErrLockLost is returned by Extend once the lock expired or changed hands.
	ErrLockLost = errors.New("cache: lock no longer held")
)

const lockKeyPrefix = "lock:"

// Locker hands out mutexes backed by a Store.
type Locker struct {
	store Store
	poll  time.Duration
}

// NewLocker constructs a locker over store.
func NewLocker(store Store) *Locker {
	return &Locker{store: store, poll: 25 * time.Millisecond}
}

// Mutex is a held lock. Release is idempotent.
type Mutex struct {
	store    Store
	key      string
	token    []byte
	released bool
}

// TryLock acquires name without waiting. ttl bounds how long a crashed holder
// can keep it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Mutex, error) {
	token := []byte(uuid.NewString())
	key := lockKeyPrefix + name
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("cache: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return &Mutex{store: l.store, key: key, token: token}, nil
}

// Lock waits up to timeout for name. The lock itself expires after timeout.
func (l *Locker) Lock(ctx context.Context, name string, timeout time.Duration) (*Mutex, error) {
	deadline := time.Now().Add(timeout)
	wait := l.poll
	for {
		m, err := l.TryLock(ctx, name, timeout)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrLockBusy) {
			return nil, err
		}
		if time.Now().Add(wait).After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

// Extend pushes the lock's expiry ttl into the future while this holder
// still owns it.
func (m *Mutex) Extend(ctx context.Context, ttl time.Duration) error {
	if m == nil || m.released {
		return ErrLockLost
	}
	current, ok, err := m.store.Get(ctx, m.key)
	if err != nil {
		return fmt.Errorf("cache: extend %s: %w", m.key, err)
	}
	if !ok || !bytes.Equal(current, m.token) {
		return ErrLockLost
	}
	if err := m.store.Set(ctx, m.key, m.token, ttl); err != nil {
		return fmt.Errorf("cache: extend %s: %w", m.key, err)
	}
	return nil
}

// Release drops the lock if this holder still owns it.
func (m *Mutex) Release(ctx context.Context) error {
	if m == nil || m.released {
		return nil
	}
	m.released = true
	if _, err := m.store.CompareAndDelete(context.WithoutCancel(ctx), m.key, m.token); err != nil {
		return fmt.Errorf("cache: release %s: %w", m.key, err)
	}
	return nil
}
