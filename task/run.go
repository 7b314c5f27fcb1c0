package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/events"
	"github.com/songzhibin97/dataflow-engine/interpreter"
	"github.com/songzhibin97/dataflow-engine/lock"
	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/patch"
	"github.com/songzhibin97/dataflow-engine/storage"
	"github.com/songzhibin97/dataflow-engine/stream"
	"github.com/songzhibin97/dataflow-engine/types"
)

// run is the state of one task execution.
type run struct {
	s         *Supervisor
	taskID    string
	projectID string
	userID    string
	state     State
	producer  *stream.Producer
	logger    *zap.Logger

	lk     *lock.Lock
	loaded bool
	wf     types.ProjectWorkflow
	// prevOut holds the data references of the loaded document by node id.
	prevOut map[string]map[string]types.DataRef
	// cbErr records why a callback asked the interpreter to stop.
	cbErr error
}

func (r *run) stage() string { return strings.ToLower(string(r.state)) }

// transition moves to the next state. It is also the cooperative check point
// for revocation between phases.
func (r *run) transition(ctx context.Context, to State) error {
	if !to.Terminal() {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		revoked, err := r.s.control.Revoked(ctx, r.taskID)
		if err != nil {
			return err
		}
		if revoked {
			return ErrRevoked
		}
	}
	from := r.state
	r.state = to
	r.logger.Info("task state changed", zap.String("from", string(from)), zap.String("state", string(to)))
	if err := r.s.control.SetState(ctx, r.taskID, to); err != nil {
		return err
	}
	r.publish(ctx, events.StateChanged(r.taskID, r.projectID, string(from), string(to)))
	return nil
}

func (r *run) publish(ctx context.Context, ev events.Event) {
	if r.s.bus == nil {
		return
	}
	if err := r.s.bus.Publish(context.WithoutCancel(ctx), ev); err != nil && !errors.Is(err, events.ErrNoHandler) {
		r.logger.Debug("publishing event", zap.String("topic", ev.Type), zap.Error(err))
	}
}

// send applies patches to the working copy and streams them.
func (r *run) send(ctx context.Context, nodeID string, timer stream.Timer, patches ...patch.Patch) error {
	if len(patches) > 0 {
		if err := patch.ApplyWorkflow(&r.wf, patches...); err != nil {
			return fmt.Errorf("applying patches: %w", err)
		}
	}
	return r.producer.Send(ctx, stream.StatusInProgress, stream.Payload{Stage: r.stage(), NodeID: nodeID, Timer: timer, Patch: patches})
}

// index resolves the document position of a node.
func (r *run) index(id string) int {
	i, _ := r.wf.NodeIndex(id)
	return i
}

// stopped converts an aborted phase into the reason recorded by the callback.
func (r *run) stopped(err error) error {
	if errors.Is(err, interpreter.ErrAborted) && r.cbErr != nil {
		return r.cbErr
	}
	return err
}

// abort records err and asks the interpreter to stop.
func (r *run) abort(err error) bool {
	r.cbErr = err
	return false
}

func (r *run) nodeFailed(ctx context.Context, res interpreter.Result) bool {
	r.publish(ctx, events.NodeFailed(r.taskID, r.projectID, r.stage(), res.NodeID, res.Err))
	i := r.index(res.NodeID)
	if err := r.send(ctx, res.NodeID, stream.TimerStop, patch.NodeErrorPatch(i, node.ToNodeError(res.Err)), patch.RunningTime(i, res.RunningTime)); err != nil {
		return r.abort(err)
	}
	return true
}

func (r *run) execute(ctx context.Context) error {
	if err := r.transition(ctx, StateLocking); err != nil {
		return err
	}
	lockCtx, stopWatch := r.watchRevocation(ctx)
	lk, err := r.s.locker.Acquire(lockCtx, r.projectID, lock.ScopeWorkflow, r.taskID)
	stopWatch()
	if err != nil {
		if errors.Is(context.Cause(lockCtx), ErrRevoked) {
			return ErrRevoked
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return &lockError{err: err}
	}
	r.lk = lk

	if err := r.transition(ctx, StateLoading); err != nil {
		return err
	}
	project, err := r.s.store.GetProject(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}
	r.wf, r.loaded = project.Workflow, true
	r.prevOut = make(map[string]map[string]types.DataRef, len(r.wf.Nodes))
	for _, n := range r.wf.Nodes {
		if len(n.DataOut) > 0 {
			r.prevOut[n.ID] = n.DataOut
		}
	}

	if err := r.transition(ctx, StateCleanup); err != nil {
		return err
	}
	var cleanup []patch.Patch
	cleanup = append(cleanup, patch.DelErrorPatches(r.wf)...)
	cleanup = append(cleanup, patch.DelSchemaDataPatches(r.wf)...)
	cleanup = append(cleanup, patch.DelRunningTimePatches(r.wf)...)
	if err := r.send(ctx, "", "", cleanup...); err != nil {
		return err
	}

	if err := r.transition(ctx, StateValidation); err != nil {
		return err
	}
	cfg := &node.GlobalConfig{ProjectID: r.projectID, UserID: r.userID, Blobs: r.s.blobs, Logger: r.logger, Debug: r.s.debug, Now: r.s.now}
	opts := []interpreter.Option{
		interpreter.WithLogger(r.logger),
		interpreter.WithInterruptCheck(r.s.checkInterval, r.keepRunning(ctx)),
	}
	if r.s.cache != nil {
		opts = append(opts, interpreter.WithCache(r.s.cache))
	}
	in, err := interpreter.New(r.wf, cfg, opts...)
	if err != nil {
		return fmt.Errorf("validating workflow: %w", err)
	}

	if err := r.transition(ctx, StateHint); err != nil {
		return err
	}
	if err := r.hint(ctx, in); err != nil {
		return err
	}

	if err := r.transition(ctx, StateConstruct); err != nil {
		return err
	}
	err = in.Construct(func(res interpreter.Result) bool {
		if res.Outcome == interpreter.Failure {
			return r.nodeFailed(ctx, res)
		}
		return true
	})
	if err != nil {
		return r.stopped(err)
	}

	if err := r.transition(ctx, StateStatic); err != nil {
		return err
	}
	err = in.StaticAnalyse(func(res interpreter.Result) bool {
		if res.Outcome == interpreter.Failure {
			return r.nodeFailed(ctx, res)
		}
		if err := r.send(ctx, res.NodeID, "", patch.SchemaOut(r.index(res.NodeID), res.Schemas)); err != nil {
			return r.abort(err)
		}
		return true
	})
	if err != nil {
		return r.stopped(err)
	}

	if err := r.transition(ctx, StateExecute); err != nil {
		return err
	}
	if err := r.executeNodes(ctx, in); err != nil {
		return err
	}

	if err := r.transition(ctx, StatePersist); err != nil {
		return err
	}
	if err := r.s.store.SaveWorkflow(ctx, r.projectID, r.wf); err != nil {
		return fmt.Errorf("persisting workflow: %w", err)
	}
	return nil
}

// watchRevocation returns a context cancelled with ErrRevoked once the task
// is revoked, checked every checkInterval until stop is called.
func (r *run) watchRevocation(ctx context.Context) (context.Context, func()) {
	wctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.s.checkInterval)
		defer ticker.Stop()
		keep := r.keepRunning(wctx)
		for {
			select {
			case <-done:
				return
			case <-wctx.Done():
				return
			case <-ticker.C:
				if !keep() {
					cancel(ErrRevoked)
					return
				}
			}
		}
	}()
	var once sync.Once
	return wctx, func() {
		once.Do(func() {
			close(done)
			cancel(nil)
		})
	}
}

// keepRunning is polled during execution. Failing to read the flag keeps the
// task running.
func (r *run) keepRunning(ctx context.Context) func() bool {
	return func() bool {
		revoked, err := r.s.control.Revoked(ctx, r.taskID)
		if err != nil {
			r.logger.Warn("reading revocation flag", zap.Error(err))
			return true
		}
		return !revoked
	}
}

func (r *run) hint(ctx context.Context, in *interpreter.Interpreter) error {
	var patches []patch.Patch
	err := in.Hint(func(res interpreter.Result) bool {
		patches = append(patches, patch.Hint(r.index(res.NodeID), res.Hint))
		return true
	})
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		return nil
	}
	return r.send(ctx, "", "", patches...)
}

// executeNodes runs the interpreter inside one storage transaction. The
// transaction is committed even when the run stops early, so the data
// references already streamed stay valid.
func (r *run) executeNodes(ctx context.Context, in *interpreter.Interpreter) error {
	tx, err := r.s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	runErr := in.Execute(ctx,
		func(id string) {
			if err := r.send(ctx, id, stream.TimerStart); err != nil && r.cbErr == nil {
				r.cbErr = err
			}
		},
		func(res interpreter.Result) bool {
			if r.cbErr != nil {
				return false
			}
			switch res.Outcome {
			case interpreter.Failure:
				return r.nodeFailed(ctx, res)
			case interpreter.Skipped:
				if err := r.send(ctx, res.NodeID, stream.TimerStop); err != nil {
					return r.abort(err)
				}
				return true
			}
			var prev map[string]types.DataRef
			if res.Cached {
				prev = r.prevOut[res.NodeID]
			}
			refs, err := r.persistOutputs(ctx, tx, res.NodeID, res.Outputs, prev)
			if err != nil {
				return r.abort(err)
			}
			i := r.index(res.NodeID)
			if err := r.send(ctx, res.NodeID, stream.TimerStop, patch.DataOut(i, refs), patch.RunningTime(i, res.RunningTime)); err != nil {
				return r.abort(err)
			}
			return true
		})
	if err := tx.Commit(); err != nil && !errors.Is(err, storage.ErrTxDone) {
		if runErr == nil {
			runErr = fmt.Errorf("committing outputs: %w", err)
		}
	}
	if runErr != nil {
		return r.stopped(runErr)
	}

	unreachable := sortedIDs(in.Unreachable())
	if len(unreachable) > 0 {
		r.logger.Debug("clearing unreachable nodes", zap.Strings("node_ids", unreachable))
		if err := r.send(ctx, "", "", patch.DelDataPatches(r.wf, unreachable...)...); err != nil {
			return err
		}
	}
	return nil
}

// persistOutputs stores every output port and registers produced files in tx.
// Ports whose previous output in prev holds the same payload keep its data id.
func (r *run) persistOutputs(ctx context.Context, tx storage.Tx, nodeID string, out map[string]types.Value, prev map[string]types.DataRef) (map[string]types.DataRef, error) {
	refs := make(map[string]types.DataRef, len(out))
	for _, port := range sortedIDs(out) {
		v := out[port]
		payload, err := types.MarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s.%s: %w", nodeID, port, err)
		}
		if ref, ok := prev[port]; ok && r.unchanged(ctx, ref.DataID, nodeID, port, payload) {
			refs[port] = ref
			continue
		}
		rec := types.NodeOutput{ProjectID: r.projectID, NodeID: nodeID, Port: port, Payload: payload, CreatedAt: r.s.now().UnixMilli()}
		if fh, ok := v.(types.FileHandle); ok {
			rec.FileKey = fh.Key
			err := tx.CreateFile(ctx, types.FileRecord{
				Key:       fh.Key,
				Filename:  fh.Filename,
				Format:    fh.Format,
				Size:      fh.Size,
				ProjectID: r.projectID,
				OwnerID:   r.userID,
				CreatedAt: r.s.now().UnixMilli(),
			})
			if err != nil {
				return nil, fmt.Errorf("registering file %s: %w", fh.Key, err)
			}
		}
		id, err := tx.SaveNodeOutput(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("saving %s.%s: %w", nodeID, port, err)
		}
		refs[port] = types.DataRef{DataID: id}
	}
	return refs, nil
}

// unchanged reports whether the committed output dataID holds payload.
func (r *run) unchanged(ctx context.Context, dataID, nodeID, port string, payload []byte) bool {
	o, err := r.s.store.GetNodeOutput(ctx, dataID)
	if err != nil {
		return false
	}
	return o.ProjectID == r.projectID && o.NodeID == nodeID && o.Port == port && bytes.Equal(o.Payload, payload)
}

// finish reports the outcome, garbage collects and releases the lock. It runs
// bounded by the hard limit, with a short grace period once that elapsed.
func (r *run) finish(hardCtx, parent context.Context, runErr error) error {
	ctx := hardCtx
	if hardCtx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(parent), finishGrace)
		defer cancel()
	}

	final := StateDone
	if runErr != nil {
		state, kind, msg := classify(runErr)
		final = state
		r.logger.Warn("task stopped", zap.String("state", string(state)), zap.Error(runErr))
		var patches []patch.Patch
		if r.loaded {
			patches = append(patches, patch.WorkflowError(&msg))
			if err := patch.ApplyWorkflow(&r.wf, patches...); err != nil {
				r.logger.Error("applying error patch", zap.Error(err))
			}
			if r.lk != nil {
				if err := r.s.store.SaveWorkflow(ctx, r.projectID, r.wf); err != nil {
					r.logger.Error("persisting failed workflow", zap.Error(err))
				}
			}
		}
		payload := stream.Payload{Stage: strings.ToLower(string(state)), Patch: patches, ErrorKind: kind}
		if err := r.producer.Send(ctx, stream.StatusFailure, payload); err != nil {
			r.logger.Error("sending terminal failure", zap.Error(err))
		}
	} else if err := r.producer.Send(ctx, stream.StatusSuccess, stream.Payload{Stage: strings.ToLower(string(StateDone))}); err != nil {
		r.logger.Error("sending terminal success", zap.Error(err))
	}
	if err := r.producer.Close(ctx); err != nil {
		r.logger.Warn("closing stream", zap.Error(err))
	}

	if r.loaded && r.lk != nil {
		if err := r.collectGarbage(ctx); err != nil {
			r.logger.Warn("collecting garbage", zap.Error(err))
		}
	}
	if r.lk != nil {
		if err := r.lk.Release(ctx); err != nil {
			r.logger.Warn("releasing project lock", zap.Error(err))
		}
	}
	if err := r.transition(ctx, final); err != nil {
		r.logger.Error("recording terminal state", zap.Error(err))
	}
	return runErr
}

// collectGarbage deletes node outputs the workflow no longer references and
// soft-deletes files that neither a live output nor a node parameter refers to.
func (r *run) collectGarbage(ctx context.Context) error {
	liveData := make(map[string]bool)
	liveFiles := make(map[string]bool)
	for _, n := range r.wf.Nodes {
		for _, ref := range n.DataOut {
			liveData[ref.DataID] = true
		}
		if key, ok := n.Param["file_key"].(string); ok && key != "" {
			liveFiles[key] = true
		}
	}

	outputs, err := r.s.store.ListNodeOutputs(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("listing outputs: %w", err)
	}
	var deadData []string
	for _, o := range outputs {
		if !liveData[o.DataID] {
			deadData = append(deadData, o.DataID)
			continue
		}
		if o.FileKey != "" {
			liveFiles[o.FileKey] = true
		}
	}
	if len(deadData) > 0 {
		if err := r.s.store.DeleteNodeOutputs(ctx, r.projectID, deadData); err != nil {
			return fmt.Errorf("deleting outputs: %w", err)
		}
	}

	files, err := r.s.store.ListFiles(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}
	var deadFiles []string
	for _, f := range files {
		if !liveFiles[f.Key] {
			deadFiles = append(deadFiles, f.Key)
		}
	}
	if len(deadFiles) > 0 {
		if err := r.s.store.SoftDeleteFiles(ctx, r.projectID, deadFiles); err != nil {
			return fmt.Errorf("deleting files: %w", err)
		}
	}
	r.logger.Debug("garbage collected", zap.Int("outputs", len(deadData)), zap.Int("files", len(deadFiles)))
	return nil
}

func sortedIDs[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
