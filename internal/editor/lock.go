package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sitepress/api/internal/client"
	"sitepress/api/internal/clock"
	"sitepress/api/internal/logger"
	"sitepress/api/internal/settings"
)

type LockState int

const (
	Unlocked LockState = iota
	HeldByMe
	HeldByOther
)

func (s LockState) String() string {
	switch s {
	case HeldByMe:
		return "held_by_me"
	case HeldByOther:
		return "held_by_other"
	default:
		return "unlocked"
	}
}

var ErrLockNotHeld = errors.New("draft lock is not held by this session")

const heartbeatRequestTimeout = 10 * time.Second

// LockManager tracks the draft lock for one identity. While its heartbeat
// runs it renews a held lock every RenewEvery and polls a foreign or missing
// lock every PollEvery, acquiring it as soon as it is free.
type LockManager struct {
	store LockStore
	email string
	opts  Options
	clock clock.Clock
	log   *logger.Logger

	mu       sync.Mutex
	state    LockState
	lock     *settings.Lock
	onChange func(LockState, *settings.Lock)

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewLockManager(store LockStore, email string, opts Options) *LockManager {
	opts = opts.withDefaults()
	return &LockManager{
		store: store,
		email: email,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.With("component", "draft-lock", "email", email),
	}
}

func (m *LockManager) State() LockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Lock returns the last lock the manager observed, or nil.
func (m *LockManager) Lock() *settings.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil {
		return nil
	}
	lock := *m.lock
	return &lock
}

func (m *LockManager) setNotify(fn func(LockState, *settings.Lock)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *LockManager) set(state LockState, lock *settings.Lock) {
	m.mu.Lock()
	changed := m.state != state || !sameLock(m.lock, lock)
	m.state = state
	m.lock = lock
	notify := m.onChange
	m.mu.Unlock()
	if changed && notify != nil {
		notify(state, copyLock(lock))
	}
}

// Acquire requests the lock with the configured TTL. A conflict moves the
// manager to HeldByOther and is returned so callers can show the holder.
func (m *LockManager) Acquire(ctx context.Context) error {
	lock, err := m.store.AcquireLock(ctx, ttlSeconds(m.opts.LockTTL))
	if err != nil {
		m.observe(err)
		return fmt.Errorf("acquire draft lock: %w", err)
	}
	m.set(HeldByMe, &lock)
	return nil
}

// Renew extends a held lock. It is only valid from HeldByMe.
func (m *LockManager) Renew(ctx context.Context) error {
	if m.State() != HeldByMe {
		return ErrLockNotHeld
	}
	lock, err := m.store.AcquireLock(ctx, ttlSeconds(m.opts.LockTTL))
	if err != nil {
		m.observe(err)
		return fmt.Errorf("renew draft lock: %w", err)
	}
	m.set(HeldByMe, &lock)
	return nil
}

// Release gives the lock back. It does nothing unless this session holds it.
func (m *LockManager) Release(ctx context.Context) error {
	if m.State() != HeldByMe {
		return nil
	}
	if _, err := m.store.ReleaseLock(ctx); err != nil {
		return fmt.Errorf("release draft lock: %w", err)
	}
	m.set(Unlocked, nil)
	return nil
}

// ReleaseAsync is the best-effort release used on shutdown. It does not wait
// for the server and never reports failure.
func (m *LockManager) ReleaseAsync() {
	if m.State() != HeldByMe {
		return
	}
	m.set(Unlocked, nil)
	_ = m.store.ReleaseLockAsync()
}

// Refresh reads the server's view of the lock.
func (m *LockManager) Refresh(ctx context.Context) error {
	lock, err := m.store.GetLock(ctx)
	if err != nil {
		return fmt.Errorf("read draft lock: %w", err)
	}
	switch {
	case lock == nil:
		m.set(Unlocked, nil)
	case lock.HolderEmail == m.email:
		m.set(HeldByMe, lock)
	default:
		m.set(HeldByOther, lock)
	}
	return nil
}

// observe folds a failed call into the state. Only a lock conflict or an
// authorization failure changes it; transient failures leave it alone.
func (m *LockManager) observe(err error) {
	switch {
	case errors.Is(err, client.ErrLockConflict):
		holder, ok := client.LockHolder(err)
		if !ok {
			m.set(HeldByOther, nil)
			return
		}
		m.set(HeldByOther, &holder)
	case errors.Is(err, client.ErrPermissionDenied), errors.Is(err, client.ErrUnauthorized):
		m.set(Unlocked, nil)
	}
}

// Start launches the heartbeat. Calling it while running is a no-op.
func (m *LockManager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	m.cancel = cancel
	m.stopped = stopped
	go func() {
		defer close(stopped)
		m.heartbeat(ctx)
	}()
}

// Stop ends the heartbeat and waits for it to exit. It does not release.
func (m *LockManager) Stop() {
	m.runMu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (m *LockManager) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *LockManager) heartbeat(ctx context.Context) {
	for {
		interval := m.opts.PollEvery
		if m.State() == HeldByMe {
			interval = m.opts.RenewEvery
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
		}
		m.beat(ctx)
	}
}

func (m *LockManager) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, heartbeatRequestTimeout)
	defer cancel()

	if m.State() == HeldByMe {
		if err := m.Renew(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("lock renewal failed", "error", err, "state", m.State().String())
		}
		return
	}
	if err := m.Refresh(ctx); err != nil {
		if ctx.Err() == nil {
			m.log.Warn("lock poll failed", "error", err)
		}
		return
	}
	if m.State() != Unlocked {
		return
	}
	if err := m.Acquire(ctx); err != nil && ctx.Err() == nil {
		m.log.Info("lock still unavailable", "error", err)
	}
}

func ttlSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func sameLock(a, b *settings.Lock) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.HolderEmail == b.HolderEmail && a.AcquiredAt.Equal(b.AcquiredAt) && a.ExpiresAt.Equal(b.ExpiresAt)
}

func copyLock(lock *settings.Lock) *settings.Lock {
	if lock == nil {
		return nil
	}
	out := *lock
	return &out
}
