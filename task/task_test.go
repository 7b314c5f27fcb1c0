package task

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataflow-engine/cache"
	"github.com/songzhibin97/dataflow-engine/events"
	"github.com/songzhibin97/dataflow-engine/lock"
	_ "github.com/songzhibin97/dataflow-engine/nodes"
	"github.com/songzhibin97/dataflow-engine/storage"
	"github.com/songzhibin97/dataflow-engine/stream"
	"github.com/songzhibin97/dataflow-engine/types"
)

type env struct {
	store   storage.Storage
	blobs   *storage.MemoryBlobs
	streams *stream.MemoryStore
	locks   *lock.MemoryStore
	control *MemoryControl
	bus     *events.EventBus
	sup     *Supervisor
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	return newEnvWithStore(t, storage.NewMemoryStorage(), opts...)
}

func newEnvWithStore(t *testing.T, store storage.Storage, opts ...Option) *env {
	t.Helper()
	e := &env{
		store:   store,
		blobs:   storage.NewMemoryBlobs(),
		streams: stream.NewMemoryStore(),
		locks:   lock.NewMemoryStore(),
		control: NewMemoryControl(),
		bus:     events.NewEventBus(),
	}
	t.Cleanup(e.bus.Stop)
	sup, err := NewSupervisor(Deps{
		Storage: e.store,
		Blobs:   e.blobs,
		Streams: e.streams,
		Locker:  lock.NewLocker(e.locks, lock.WithMaxWait(500*time.Millisecond), lock.WithPollInterval(10*time.Millisecond)),
		Control: e.control,
		Cache:   cache.NewManager(cache.NewMemoryStore()),
		Bus:     e.bus,
	}, append([]Option{WithCheckInterval(10 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	e.sup = sup
	return e
}

func (e *env) project(t *testing.T, wf types.ProjectWorkflow) {
	t.Helper()
	require.NoError(t, e.store.CreateProject(context.Background(), types.Project{ID: "p1", OwnerID: "u1", Name: "demo", Workflow: wf}))
}

func (e *env) messages(t *testing.T, taskID string) []stream.Payload {
	t.Helper()
	msgs, err := stream.NewConsumer(e.streams, taskID).ReadAll(context.Background(), time.Second)
	require.NoError(t, err)
	out := make([]stream.Payload, len(msgs))
	for i, m := range msgs {
		p, err := m.Decode()
		require.NoError(t, err)
		out[i] = p
	}
	return out
}

func (e *env) workflow(t *testing.T) types.ProjectWorkflow {
	t.Helper()
	p, err := e.store.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	return p.Workflow
}

func wfNode(id, typ string, params map[string]any) types.WorkflowNode {
	return types.WorkflowNode{ID: id, Type: typ, Param: params, Position: map[string]any{"x": 1, "y": 2}}
}

func wfEdge(src, srcPort, tar, tarPort string) types.WorkflowEdge {
	return types.WorkflowEdge{Src: src, SrcPort: srcPort, Tar: tar, TarPort: tarPort}
}

func compareWorkflow() types.ProjectWorkflow {
	return types.ProjectWorkflow{
		Nodes: []types.WorkflowNode{
			wfNode("a", "ConstNode", map[string]any{"type": "int", "value": 5}),
			wfNode("b", "ConstNode", map[string]any{"type": "int", "value": 3}),
			wfNode("cmp", "CmpNode", map[string]any{"op": "GT"}),
		},
		Edges: []types.WorkflowEdge{wfEdge("a", "value", "cmp", "a"), wfEdge("b", "value", "cmp", "b")},
	}
}

func stages(msgs []stream.Payload) []string {
	var out []string
	for _, m := range msgs {
		if len(out) == 0 || out[len(out)-1] != m.Stage {
			out = append(out, m.Stage)
		}
	}
	return out
}

func TestRunProjectPersistsOutputs(t *testing.T) {
	e := newEnv(t)
	e.project(t, compareWorkflow())

	var mu sync.Mutex
	var transitions []string
	e.bus.SubscribeFunc(events.TopicTaskStateChanged, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, ev.Data["to"].(string))
		return nil
	})

	require.NoError(t, e.sup.RunProject(context.Background(), "t1", "p1", "u1"))

	msgs := e.messages(t, "t1")
	assert.Equal(t, []string{"cleanup", "static", "execute", "done"}, stages(msgs))

	wf := e.workflow(t)
	assert.Nil(t, wf.ErrorMessage)
	cmp := wf.Nodes[2]
	assert.Nil(t, cmp.Error)
	assert.NotNil(t, cmp.RunningTime)
	assert.Equal(t, types.Primitive(types.TypeBool), cmp.SchemaOut["result"])
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, cmp.Position)
	ref, ok := cmp.DataOut["result"]
	require.True(t, ok)
	out, err := e.store.GetNodeOutput(context.Background(), ref.DataID)
	require.NoError(t, err)
	v, err := types.UnmarshalValue(out.Payload)
	require.NoError(t, err)
	assert.Equal(t, types.Bool(true), v)

	state, err := e.control.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) > 0 && transitions[len(transitions)-1] == string(StateDone)
	}, time.Second, 10*time.Millisecond)
	assert.False(t, e.locks.Held("project:p1:lock:workflow"))
}

func TestRunProjectNodeErrorKeepsTaskSuccessful(t *testing.T) {
	e := newEnv(t)
	e.project(t, types.ProjectWorkflow{
		Nodes: []types.WorkflowNode{
			wfNode("a", "ConstNode", map[string]any{"type": "int", "value": 10}),
			wfNode("z", "ConstNode", map[string]any{"type": "int", "value": 0}),
			wfNode("div", "NumBinComputeNode", map[string]any{"op": "DIV"}),
			wfNode("cmp", "CmpNode", map[string]any{"op": "GT"}),
		},
		Edges: []types.WorkflowEdge{
			wfEdge("a", "value", "div", "a"), wfEdge("z", "value", "div", "b"),
			wfEdge("div", "result", "cmp", "a"), wfEdge("a", "value", "cmp", "b"),
		},
	})
	require.NoError(t, e.sup.RunProject(context.Background(), "t1", "p1", "u1"))

	wf := e.workflow(t)
	div, cmp := wf.Nodes[2], wf.Nodes[3]
	require.NotNil(t, div.Error)
	assert.Equal(t, "execution", div.Error.Kind)
	assert.Contains(t, div.Error.Message, "Division by zero")
	assert.Empty(t, div.DataOut)
	assert.Empty(t, cmp.DataOut)
	assert.Empty(t, cmp.SchemaOut)
	assert.Nil(t, cmp.Error)
	assert.Nil(t, wf.ErrorMessage)
	assert.NotEmpty(t, wf.Nodes[0].DataOut)
}

func TestRunProjectRejectsCycle(t *testing.T) {
	e := newEnv(t)
	e.project(t, types.ProjectWorkflow{
		Nodes: []types.WorkflowNode{
			wfNode("x", "NumBinComputeNode", map[string]any{"op": "ADD"}),
			wfNode("y", "NumBinComputeNode", map[string]any{"op": "ADD"}),
		},
		Edges: []types.WorkflowEdge{wfEdge("x", "result", "y", "a"), wfEdge("y", "result", "x", "a")},
	})
	err := e.sup.RunProject(context.Background(), "t1", "p1", "u1")
	require.Error(t, err)

	msgs := e.messages(t, "t1")
	last := msgs[len(msgs)-1]
	assert.Equal(t, KindError, last.ErrorKind)
	wf := e.workflow(t)
	require.NotNil(t, wf.ErrorMessage)
	assert.Contains(t, *wf.ErrorMessage, "cycle")

	state, err := e.control.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func sleepWorkflow() types.ProjectWorkflow {
	return types.ProjectWorkflow{
		Nodes: []types.WorkflowNode{
			wfNode("s", "SleepNode", map[string]any{"seconds": 5}),
			wfNode("a", "ConstNode", map[string]any{"type": "int", "value": 1}),
		},
	}
}

func TestRevokeRunningTask(t *testing.T) {
	e := newEnv(t)
	e.project(t, sleepWorkflow())
	sub := NewSubmitter(e.sup, nil)

	taskID, err := sub.Submit(context.Background(), "p1", "u1")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	ready, err := sub.Revoke(context.Background(), taskID, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Less(t, time.Since(start), 3*time.Second)

	done, err := sub.Done(taskID)
	require.NoError(t, err)
	runErr := <-done
	state, _, _ := classify(runErr)
	assert.Equal(t, StateRevoked, state)

	msgs := e.messages(t, taskID)
	last := msgs[len(msgs)-1]
	assert.Equal(t, KindRevoked, last.ErrorKind)
	wf := e.workflow(t)
	require.NotNil(t, wf.ErrorMessage)
	assert.Equal(t, "Task was revoked", *wf.ErrorMessage)
	sub.Wait()
}

func TestRevokeBeforeStart(t *testing.T) {
	e := newEnv(t)
	e.project(t, compareWorkflow())
	ready, err := e.sup.Revoke(context.Background(), "t1", time.Second)
	require.NoError(t, err)
	assert.False(t, ready)

	err = e.sup.RunProject(context.Background(), "t1", "p1", "u1")
	assert.ErrorIs(t, err, ErrRevoked)
	state, err := e.control.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, state)
}

func TestSoftLimitTimesOut(t *testing.T) {
	e := newEnv(t, WithLimits(50*time.Millisecond, 2*time.Second))
	e.project(t, sleepWorkflow())

	err := e.sup.RunProject(context.Background(), "t1", "p1", "u1")
	assert.ErrorIs(t, err, ErrTimedOut)

	msgs := e.messages(t, "t1")
	assert.Equal(t, KindTimeout, msgs[len(msgs)-1].ErrorKind)
	state, err := e.control.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, state)
}

func TestSubmitWaitsForProjectLock(t *testing.T) {
	e := newEnv(t)
	e.project(t, compareWorkflow())
	locker := lock.NewLocker(e.locks)
	held, err := locker.Acquire(context.Background(), "p1", lock.ScopeWorkflow, "")
	require.NoError(t, err)

	sub := NewSubmitter(e.sup, nil)
	_, err = sub.Submit(context.Background(), "p1", "u1")
	assert.ErrorIs(t, err, lock.ErrLockTimeout)

	require.NoError(t, held.Release(context.Background()))
	taskID, err := sub.Submit(context.Background(), "p1", "u1")
	require.NoError(t, err)
	done, err := sub.Done(taskID)
	require.NoError(t, err)
	assert.NoError(t, <-done)

	_, err = sub.Done("missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestWorkerWithWrongIdentityAborts(t *testing.T) {
	e := newEnv(t)
	e.project(t, compareWorkflow())
	locker := lock.NewLocker(e.locks)
	lk, err := locker.Acquire(context.Background(), "p1", lock.ScopeWorkflow, "")
	require.NoError(t, err)
	require.NoError(t, lk.Appoint(context.Background(), "other"))
	require.NoError(t, lk.Release(context.Background()))

	err = e.sup.RunProject(context.Background(), "t1", "p1", "u1")
	assert.ErrorIs(t, err, lock.ErrLockIdentityMismatch)
	msgs := e.messages(t, "t1")
	assert.Equal(t, KindLock, msgs[len(msgs)-1].ErrorKind)
}

func TestGarbageCollection(t *testing.T) {
	e := newEnv(t)
	e.project(t, plotWorkflow())
	ctx := context.Background()
	require.NoError(t, e.sup.RunProject(ctx, "t1", "p1", "u1"))
	files, err := e.store.ListFiles(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].Deleted)
	assert.Equal(t, types.FormatPNG, files[0].Format)

	require.NoError(t, e.sup.RunProject(ctx, "t2", "p1", "u1"))
	outputs, err := e.store.ListNodeOutputs(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, outputs, 2)

	wf := e.workflow(t)
	wf.Nodes, wf.Edges = wf.Nodes[:1], nil
	require.NoError(t, e.store.SaveWorkflow(ctx, "p1", wf))
	require.NoError(t, e.sup.RunProject(ctx, "t3", "p1", "u1"))

	live, err := e.store.ListFiles(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, live)
	f, err := e.store.GetFile(ctx, files[0].Key)
	require.NoError(t, err)
	assert.True(t, f.Deleted)
	outputs, err = e.store.ListNodeOutputs(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, outputs, 1)
}

func plotWorkflow() types.ProjectWorkflow {
	return types.ProjectWorkflow{
		Nodes: []types.WorkflowNode{
			wfNode("range", "RangeNode", map[string]any{"type": "int", "start": 0, "end": 4, "step": 1, "col": "x"}),
			wfNode("plot", "PlotNode", map[string]any{"x_col": "x", "y_col": "x", "plot_type": "line"}),
		},
		Edges: []types.WorkflowEdge{wfEdge("range", "table", "plot", "table")},
	}
}

func TestRunProjectRecordsFilesOnSQLite(t *testing.T) {
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e := newEnvWithStore(t, store)
	e.project(t, plotWorkflow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.sup.RunProject(ctx, "t1", "p1", "u1"))

	state, err := e.control.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)

	wf := e.workflow(t)
	require.Nil(t, wf.Nodes[1].Error)
	ref, ok := wf.Nodes[1].DataOut["plot"]
	require.True(t, ok)
	out, err := e.store.GetNodeOutput(ctx, ref.DataID)
	require.NoError(t, err)
	require.NotEmpty(t, out.FileKey)

	f, err := e.store.GetFile(ctx, out.FileKey)
	require.NoError(t, err)
	assert.Equal(t, types.FormatPNG, f.Format)
	assert.Equal(t, "u1", f.OwnerID)
	assert.False(t, f.Deleted)
	_, err = e.blobs.Get(ctx, out.FileKey)
	assert.NoError(t, err)
}

func TestCachedRunKeepsDataIDs(t *testing.T) {
	e := newEnv(t)
	e.project(t, compareWorkflow())
	ctx := context.Background()

	require.NoError(t, e.sup.RunProject(ctx, "t1", "p1", "u1"))
	first := e.workflow(t)
	require.NoError(t, e.sup.RunProject(ctx, "t2", "p1", "u1"))
	second := e.workflow(t)

	for i := range first.Nodes {
		require.NotEmpty(t, first.Nodes[i].DataOut, first.Nodes[i].ID)
		assert.Equal(t, first.Nodes[i].DataOut, second.Nodes[i].DataOut, first.Nodes[i].ID)
	}
	outputs, err := e.store.ListNodeOutputs(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, outputs, 3)
}

func TestRevokeWhileWaitingForLock(t *testing.T) {
	e := newEnv(t)
	e.project(t, compareWorkflow())
	held, err := lock.NewLocker(e.locks).Acquire(context.Background(), "p1", lock.ScopeWorkflow, "")
	require.NoError(t, err)
	defer held.Release(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.sup.RunProject(context.Background(), "t1", "p1", "u1") }()
	require.Eventually(t, func() bool {
		state, err := e.control.State(context.Background(), "t1")
		return err == nil && state == StateLocking
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, e.control.Revoke(context.Background(), "t1"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRevoked)
		assert.NotErrorIs(t, err, lock.ErrLockTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop")
	}
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	state, err := e.control.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, state)
	msgs := e.messages(t, "t1")
	assert.Equal(t, KindRevoked, msgs[len(msgs)-1].ErrorKind)
}

func TestRedisControl(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisControl(client, time.Minute)
	ctx := context.Background()

	state, err := c.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	require.NoError(t, c.SetState(ctx, "t1", StateExecute))
	state, err = c.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateExecute, state)

	revoked, err := c.Revoked(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, revoked)
	require.NoError(t, c.Revoke(ctx, "t1"))
	revoked, err = c.Revoked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	state, err = c.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateRevoked, StateTimedOut} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StatePending, StateSubmitted, StateExecute, StatePersist} {
		assert.False(t, s.Terminal(), s)
	}
}
