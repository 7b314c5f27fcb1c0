package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/cache"
	"github.com/songzhibin97/dataflow-engine/events"
	"github.com/songzhibin97/dataflow-engine/interpreter"
	"github.com/songzhibin97/dataflow-engine/lock"
	"github.com/songzhibin97/dataflow-engine/storage"
	"github.com/songzhibin97/dataflow-engine/stream"
)

// Standard error definitions
var (
	ErrRevoked           = errors.New("task was revoked")
	ErrTimedOut          = errors.New("task exceeded its time limit")
	ErrMissingDependency = errors.New("supervisor dependency is missing")
)

const (
	DefaultSoftLimit     = 9 * time.Minute
	DefaultHardLimit     = 10 * time.Minute
	DefaultCheckInterval = time.Second

	// finishGrace bounds reporting the terminal state once the limits elapsed.
	finishGrace = 10 * time.Second
)

// Error kinds carried by terminal messages.
const (
	KindError   = "error"
	KindRevoked = "revoked"
	KindTimeout = "timeout"
	KindLock    = "lock"
)

// Deps are the collaborators of a Supervisor. Cache, Blobs and Bus are optional.
type Deps struct {
	Storage storage.Storage
	Blobs   storage.BlobStore
	Streams stream.Store
	Locker  *lock.Locker
	Control Control
	Cache   *cache.Manager
	Bus     *events.EventBus
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLimits sets the soft and hard time limits of a task.
func WithLimits(soft, hard time.Duration) Option {
	return func(s *Supervisor) {
		if soft > 0 {
			s.softLimit = soft
		}
		if hard > 0 {
			s.hardLimit = hard
		}
	}
}

// WithCheckInterval sets how often a running execution polls for revocation.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.checkInterval = d
		}
	}
}

// WithStreamTTL sets the lifetime of progress streams.
func WithStreamTTL(d time.Duration) Option {
	return func(s *Supervisor) { s.streamTTL = d }
}

// WithDebug enables the input immutability checks of the nodes.
func WithDebug(debug bool) Option {
	return func(s *Supervisor) { s.debug = debug }
}

// Supervisor runs project workflows as tasks.
type Supervisor struct {
	store   storage.Storage
	blobs   storage.BlobStore
	streams stream.Store
	locker  *lock.Locker
	control Control
	cache   *cache.Manager
	bus     *events.EventBus
	logger  *zap.Logger

	softLimit     time.Duration
	hardLimit     time.Duration
	checkInterval time.Duration
	streamTTL     time.Duration
	debug         bool
	now           func() time.Time
}

// NewSupervisor creates a Supervisor. Storage, Streams, Locker and Control are required.
func NewSupervisor(d Deps, opts ...Option) (*Supervisor, error) {
	switch {
	case d.Storage == nil:
		return nil, fmt.Errorf("%w: storage", ErrMissingDependency)
	case d.Streams == nil:
		return nil, fmt.Errorf("%w: stream store", ErrMissingDependency)
	case d.Locker == nil:
		return nil, fmt.Errorf("%w: locker", ErrMissingDependency)
	case d.Control == nil:
		return nil, fmt.Errorf("%w: task control", ErrMissingDependency)
	}
	s := &Supervisor{
		store:         d.Storage,
		blobs:         d.Blobs,
		streams:       d.Streams,
		locker:        d.Locker,
		control:       d.Control,
		cache:         d.Cache,
		bus:           d.Bus,
		logger:        zap.NewNop(),
		softLimit:     DefaultSoftLimit,
		hardLimit:     DefaultHardLimit,
		checkInterval: DefaultCheckInterval,
		streamTTL:     stream.DefaultTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.softLimit > s.hardLimit {
		s.softLimit = s.hardLimit
	}
	return s, nil
}

// Control returns the control store shared with submitters.
func (s *Supervisor) Control() Control { return s.control }

// RunProject runs the workflow of a project under taskID and returns the
// reason the task did not finish, nil when it reached DONE. Progress is
// published on the stream named by the task id.
func (s *Supervisor) RunProject(ctx context.Context, taskID, projectID, userID string) error {
	r := &run{
		s:         s,
		taskID:    taskID,
		projectID: projectID,
		userID:    userID,
		state:     StateSubmitted,
		producer:  stream.NewProducer(s.streams, taskID, stream.WithTTL(s.streamTTL), stream.WithLogger(s.logger)),
		logger:    s.logger.With(zap.String("task_id", taskID), zap.String("project_id", projectID)),
	}
	start := s.now()
	hardCtx, cancelHard := context.WithTimeoutCause(ctx, s.hardLimit, ErrTimedOut)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeoutCause(hardCtx, s.softLimit, ErrTimedOut)
	defer cancelSoft()

	err := r.execute(softCtx)
	if errors.Is(context.Cause(softCtx), ErrTimedOut) && hardCtx.Err() == nil {
		r.logger.Warn("soft time limit exceeded, cleaning up", zap.Duration("elapsed", s.now().Sub(start)))
	}
	return r.finish(hardCtx, ctx, err)
}

// Revoke asks the task to stop and waits up to wait for it to reach a
// terminal state. A task that has not started yet keeps the request and stops
// as soon as it starts. It reports whether the task is over.
func (s *Supervisor) Revoke(ctx context.Context, taskID string, wait time.Duration) (bool, error) {
	if err := s.control.Revoke(ctx, taskID); err != nil {
		return false, err
	}
	state, err := s.control.State(ctx, taskID)
	if err != nil {
		return false, err
	}
	if state == StatePending {
		s.logger.Info("revocation delayed until the task starts", zap.String("task_id", taskID))
		return false, nil
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if state.Terminal() {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		if state, err = s.control.State(ctx, taskID); err != nil {
			return false, err
		}
	}
}

// classify maps the reason a task stopped to its terminal state, error kind
// and user-facing message.
func classify(err error) (State, string, string) {
	var lockErr *lockError
	switch {
	case errors.Is(err, ErrRevoked), errors.Is(err, interpreter.ErrInterrupted), errors.Is(err, context.Canceled):
		return StateRevoked, KindRevoked, "Task was revoked"
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return StateTimedOut, KindTimeout, "Task exceeded its time limit"
	case errors.As(err, &lockErr):
		return StateFailed, KindLock, err.Error()
	}
	return StateFailed, KindError, err.Error()
}

type lockError struct {
	err error
}

func (e *lockError) Error() string { return "acquiring project lock: " + e.err.Error() }

func (e *lockError) Unwrap() error { return e.err }
