package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

// Store is the shared backend holding (key, token, expiry) entries. All
// request handlers must see the same store for contention to be visible.
type Store interface {
	// Acquire claims key for token until ttl elapses. Returns false without
	// blocking when the key is held by another live token.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release clears key only when it is still owned by token. Releasing an
	// expired or re-acquired lock is a no-op, not an error.
	Release(ctx context.Context, key, token string) error
}

// Options bound the WithLock retry loop.
type Options struct {
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 50
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// Manager provides named TTL-bounded mutual exclusion on top of a Store.
type Manager struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store Store, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, opts: opts.withDefaults(), logger: logger}
}

// SectionKey derives the canonical lock key for a class section.
func SectionKey(sectionID string) string {
	return fmt.Sprintf("lock:section:%s", sectionID)
}

// Acquire attempts a single non-blocking claim on key. The returned token
// identifies ownership and must be passed back to Release.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.store.Acquire(ctx, key, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release clears key when still owned by token. Expiry or takeover by a
// newer owner makes this a silent no-op.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	if err := m.store.Release(ctx, key, token); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// WithLock runs fn while holding key, retrying acquisition at a fixed
// interval up to the configured bound. Release is guaranteed on every exit
// path including panic. Context cancellation aborts the retry loop early and
// returns the context error rather than ErrLockTimeout.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, err := m.acquireWithRetry(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		// Release must not inherit a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.Release(releaseCtx, key, token); err != nil {
			m.logger.Error("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (m *Manager) acquireWithRetry(ctx context.Context, key string) (string, error) {
	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(m.opts.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
		token, ok, err := m.Acquire(ctx, key, m.opts.TTL)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
	}
	return "", appErrors.Clone(appErrors.ErrLockTimeout, fmt.Sprintf("could not acquire %s", key))
}
