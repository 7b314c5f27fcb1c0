// Package task runs a project's workflow as a supervised task. A task moves
// through a fixed sequence of states, streams its progress as workflow patches
// and can be revoked cooperatively.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// State of a task.
type State string

const (
	// StatePending is reported for tasks the control store does not know yet.
	StatePending State = "PENDING"

	StateSubmitted  State = "SUBMITTED"
	StateLocking    State = "LOCKING"
	StateLoading    State = "LOADING"
	StateCleanup    State = "CLEANUP"
	StateValidation State = "VALIDATION"
	StateHint       State = "HINT"
	StateConstruct  State = "CONSTRUCT"
	StateStatic     State = "STATIC"
	StateExecute    State = "EXECUTE"
	StatePersist    State = "PERSIST"

	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
	StateRevoked  State = "REVOKED"
	StateTimedOut State = "TIMED_OUT"
)

// Terminal reports whether the task is over.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateRevoked, StateTimedOut:
		return true
	}
	return false
}

// Control stores task states and revocation flags shared between the
// submitting side and the worker.
type Control interface {
	SetState(ctx context.Context, taskID string, s State) error
	// State returns StatePending for unknown tasks.
	State(ctx context.Context, taskID string) (State, error)
	Revoke(ctx context.Context, taskID string) error
	Revoked(ctx context.Context, taskID string) (bool, error)
}

// MemoryControl is an in-process Control.
type MemoryControl struct {
	mu      sync.RWMutex
	states  map[string]State
	revoked map[string]bool
}

// NewMemoryControl returns an empty control store.
func NewMemoryControl() *MemoryControl {
	return &MemoryControl{states: make(map[string]State), revoked: make(map[string]bool)}
}

func (c *MemoryControl) SetState(ctx context.Context, taskID string, s State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[taskID] = s
	return nil
}

func (c *MemoryControl) State(ctx context.Context, taskID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[taskID]
	if !ok {
		return StatePending, nil
	}
	return s, nil
}

func (c *MemoryControl) Revoke(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[taskID] = true
	return nil
}

func (c *MemoryControl) Revoked(ctx context.Context, taskID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revoked[taskID], nil
}

// DefaultControlTTL bounds how long task keys live in redis.
const DefaultControlTTL = 24 * time.Hour

// RedisControl keeps task states and revocation flags in redis so that
// submitters and workers in different processes can coordinate.
type RedisControl struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisControl returns a control store over an existing client.
func NewRedisControl(client *redis.Client, ttl time.Duration) *RedisControl {
	if ttl <= 0 {
		ttl = DefaultControlTTL
	}
	return &RedisControl{client: client, ttl: ttl}
}

func stateKey(taskID string) string   { return "task:" + taskID + ":state" }
func revokedKey(taskID string) string { return "task:" + taskID + ":revoked" }

func (c *RedisControl) SetState(ctx context.Context, taskID string, s State) error {
	if err := c.client.Set(ctx, stateKey(taskID), string(s), c.ttl).Err(); err != nil {
		return fmt.Errorf("setting state of task %s: %w", taskID, err)
	}
	return nil
}

func (c *RedisControl) State(ctx context.Context, taskID string) (State, error) {
	v, err := c.client.Get(ctx, stateKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading state of task %s: %w", taskID, err)
	}
	return State(v), nil
}

func (c *RedisControl) Revoke(ctx context.Context, taskID string) error {
	if err := c.client.Set(ctx, revokedKey(taskID), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("revoking task %s: %w", taskID, err)
	}
	return nil
}

func (c *RedisControl) Revoked(ctx context.Context, taskID string) (bool, error) {
	n, err := c.client.Exists(ctx, revokedKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("reading revocation of task %s: %w", taskID, err)
	}
	return n > 0, nil
}
