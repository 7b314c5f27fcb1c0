package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/lock"
)

// ErrUnknownTask is returned for task ids this submitter never started.
var ErrUnknownTask = errors.New("unknown task")

// Submitter hands project runs over to workers. It takes the project lock,
// appoints the new task as the next holder and releases it, so that the
// worker started afterwards is the only one able to take the lock.
type Submitter struct {
	sup    *Supervisor
	gen    generator.Generator
	logger *zap.Logger

	wg   sync.WaitGroup
	mu   sync.Mutex
	done map[string]chan error
}

// NewSubmitter creates a Submitter. A nil generator uses a snowflake generator.
func NewSubmitter(sup *Supervisor, gen generator.Generator) *Submitter {
	if gen == nil {
		gen = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	return &Submitter{sup: sup, gen: gen, logger: sup.logger, done: make(map[string]chan error)}
}

// Submit starts a run of the project's workflow and returns its task id.
// It fails when the project lock cannot be taken in time.
func (s *Submitter) Submit(ctx context.Context, projectID, userID string) (string, error) {
	id, err := s.gen.NextID()
	if err != nil {
		return "", fmt.Errorf("generating task id: %w", err)
	}
	taskID := strconv.FormatUint(id, 10)

	lk, err := s.sup.locker.Acquire(ctx, projectID, lock.ScopeWorkflow, "")
	if err != nil {
		return "", &lockError{err: err}
	}
	if err := lk.Appoint(ctx, taskID); err != nil {
		if rerr := lk.Release(ctx); rerr != nil {
			s.logger.Warn("releasing project lock", zap.Error(rerr))
		}
		return "", fmt.Errorf("appointing task %s: %w", taskID, err)
	}
	if err := lk.Release(ctx); err != nil {
		return "", fmt.Errorf("handing over project lock: %w", err)
	}
	if err := s.sup.control.SetState(ctx, taskID, StateSubmitted); err != nil {
		return "", err
	}

	done := make(chan error, 1)
	s.mu.Lock()
	s.done[taskID] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.sup.RunProject(context.WithoutCancel(ctx), taskID, projectID, userID)
		if err != nil {
			s.logger.Info("task finished with error", zap.String("task_id", taskID), zap.Error(err))
		}
		done <- err
		close(done)
	}()
	s.logger.Info("task submitted", zap.String("task_id", taskID), zap.String("project_id", projectID))
	return taskID, nil
}

// Done returns a channel receiving the outcome of a submitted task.
func (s *Submitter) Done(taskID string) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.done[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return ch, nil
}

// Revoke asks a task to stop and waits up to wait for it to finish.
func (s *Submitter) Revoke(ctx context.Context, taskID string, wait time.Duration) (bool, error) {
	return s.sup.Revoke(ctx, taskID, wait)
}

// Wait blocks until every submitted task finished.
func (s *Submitter) Wait() {
	s.wg.Wait()
}
