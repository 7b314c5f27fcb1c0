// Package lock implements the per-project mutex with handoff appointments.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxWait    = 30 * time.Second
	DefaultPoll       = 100 * time.Millisecond
	DefaultTTL        = 15 * time.Minute
	DefaultAppointTTL = 30 * time.Second
)

var (
	ErrLockTimeout          = errors.New("timed out acquiring project lock")
	ErrLockIdentityMismatch = errors.New("lock is appointed to another identity")
	ErrNotHeld              = errors.New("lock is not held")
	ErrUnknownScope         = errors.New("unknown lock scope")
)

// Scope selects which parts of a project are locked.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeWorkflow Scope = "workflow"
	ScopeUIState  Scope = "ui_state"
)

// Keys returns the lock keys of a scope in acquisition order.
func Keys(projectID string, scope Scope) ([]string, error) {
	key := func(part Scope) string { return fmt.Sprintf("project:%s:lock:%s", projectID, part) }
	switch scope {
	case ScopeAll:
		return []string{key(ScopeWorkflow), key(ScopeUIState)}, nil
	case ScopeWorkflow, ScopeUIState:
		return []string{key(scope)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
}

// Result of a single acquisition attempt.
type Result int

const (
	Busy Result = iota
	Acquired
	Mismatch
)

// Store provides the atomic primitives on one lock key.
type Store interface {
	// TryAcquire takes key for token unless it is held. When an appointment
	// exists only the appointed identity may take the key, and doing so
	// clears the appointment. An empty identity waits for the appointment.
	TryAcquire(ctx context.Context, key, token, identity string, ttl time.Duration) (Result, error)
	// Release deletes key and its caller info if token still holds it.
	Release(ctx context.Context, key, token string) error
	// Appoint declares identity as the next acquirer of key for ttl.
	Appoint(ctx context.Context, key, identity string, ttl time.Duration) error
}

type options struct {
	maxWait    time.Duration
	poll       time.Duration
	ttl        time.Duration
	appointTTL time.Duration
	logger     *zap.Logger
}

// Option configures a Locker.
type Option func(*options)

// WithMaxWait bounds how long Acquire polls.
func WithMaxWait(d time.Duration) Option { return func(o *options) { o.maxWait = d } }

// WithPollInterval sets the retry interval.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.poll = d } }

// WithTTL sets the lifetime of a held lock.
func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithAppointTTL sets the lifetime of an appointment.
func WithAppointTTL(d time.Duration) Option { return func(o *options) { o.appointTTL = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Locker hands out project locks backed by a Store.
type Locker struct {
	store Store
	opts  options
}

// NewLocker returns a Locker.
func NewLocker(store Store, opts ...Option) *Locker {
	o := options{
		maxWait:    DefaultMaxWait,
		poll:       DefaultPoll,
		ttl:        DefaultTTL,
		appointTTL: DefaultAppointTTL,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Locker{store: store, opts: o}
}

// Lock is a held project lock.
type Lock struct {
	locker    *Locker
	ProjectID string
	Scope     Scope
	keys      []string
	token     string
	released  bool
}

// Acquire polls until the lock is taken, the identity is rejected, the wait
// elapses or ctx is done.
func (l *Locker) Acquire(ctx context.Context, projectID string, scope Scope, identity string) (*Lock, error) {
	keys, err := Keys(projectID, scope)
	if err != nil {
		return nil, err
	}
	lk := &Lock{locker: l, ProjectID: projectID, Scope: scope, keys: keys, token: uuid.NewString()}
	deadline := time.Now().Add(l.opts.maxWait)
	ticker := time.NewTicker(l.opts.poll)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		ok, err := l.try(ctx, lk, identity)
		if err != nil {
			return nil, err
		}
		if ok {
			if attempt > 1 {
				l.opts.logger.Debug("acquired project lock after waiting",
					zap.String("project_id", projectID), zap.String("scope", string(scope)), zap.Int("attempts", attempt))
			}
			return lk, nil
		}
		if !time.Now().Before(deadline) {
			l.opts.logger.Warn("project lock wait exceeded",
				zap.String("project_id", projectID), zap.String("scope", string(scope)), zap.Duration("max_wait", l.opts.maxWait))
			return nil, fmt.Errorf("%w: project %s scope %s", ErrLockTimeout, projectID, scope)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// try takes every key in order. A partial acquisition is rolled back.
func (l *Locker) try(ctx context.Context, lk *Lock, identity string) (bool, error) {
	for i, key := range lk.keys {
		res, err := l.store.TryAcquire(ctx, key, lk.token, identity, l.opts.ttl)
		if err == nil && res == Acquired {
			continue
		}
		for _, held := range lk.keys[:i] {
			if rerr := l.store.Release(ctx, held, lk.token); rerr != nil {
				l.opts.logger.Warn("rolling back partial lock", zap.String("key", held), zap.Error(rerr))
			}
		}
		switch {
		case err != nil:
			return false, fmt.Errorf("acquiring %s: %w", key, err)
		case res == Mismatch:
			return false, fmt.Errorf("%w: %s", ErrLockIdentityMismatch, key)
		}
		return false, nil
	}
	return true, nil
}

// AcquireAsync runs Acquire in a goroutine. Exactly one of the channels
// receives a value.
func (l *Locker) AcquireAsync(ctx context.Context, projectID string, scope Scope, identity string) (<-chan *Lock, <-chan error) {
	lockCh := make(chan *Lock, 1)
	errCh := make(chan error, 1)
	go func() {
		lk, err := l.Acquire(ctx, projectID, scope, identity)
		if err != nil {
			errCh <- err
			return
		}
		lockCh <- lk
	}()
	return lockCh, errCh
}

// Appoint declares identity as the next acquirer of every key of the lock.
// It must be called while the lock is held.
func (lk *Lock) Appoint(ctx context.Context, identity string) error {
	if lk.released {
		return ErrNotHeld
	}
	for _, key := range lk.keys {
		if err := lk.locker.store.Appoint(ctx, key, identity, lk.locker.opts.appointTTL); err != nil {
			return fmt.Errorf("appointing %s: %w", key, err)
		}
	}
	return nil
}

// Release frees every key of the lock. Releasing twice is a no-op.
func (lk *Lock) Release(ctx context.Context) error {
	if lk.released {
		return nil
	}
	lk.released = true
	var errs []error
	for i := len(lk.keys) - 1; i >= 0; i-- {
		if err := lk.locker.store.Release(ctx, lk.keys[i], lk.token); err != nil {
			errs = append(errs, fmt.Errorf("releasing %s: %w", lk.keys[i], err))
		}
	}
	return errors.Join(errs...)
}
