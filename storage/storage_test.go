package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataflow-engine/types"
)

// Helper function to create a sample project
func newProject(id string) types.Project {
	return types.Project{
		ID:      id,
		OwnerID: "u1",
		Name:    "Test Project",
		Workflow: types.ProjectWorkflow{
			Nodes: []types.WorkflowNode{
				{ID: "a", Type: "ConstNode", Param: map[string]any{"type": "int", "value": 5}},
				{ID: "b", Type: "ConstNode", Param: map[string]any{"type": "int", "value": 3}},
			},
			Edges: []types.WorkflowEdge{},
		},
	}
}

func storages(t *testing.T) map[string]Storage {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sq,
	}
}

func TestStorageProjects(t *testing.T) {
	for name, store := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateProject(ctx, newProject("p1")))
			assert.ErrorIs(t, store.CreateProject(ctx, newProject("p1")), ErrProjectExists)

			got, err := store.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "u1", got.OwnerID)
			require.Len(t, got.Workflow.Nodes, 2)
			assert.Equal(t, "ConstNode", got.Workflow.Nodes[0].Type)

			msg := "boom"
			got.Workflow.ErrorMessage = &msg
			require.NoError(t, store.SaveWorkflow(ctx, "p1", got.Workflow))
			got, err = store.GetProject(ctx, "p1")
			require.NoError(t, err)
			require.NotNil(t, got.Workflow.ErrorMessage)
			assert.Equal(t, "boom", *got.Workflow.ErrorMessage)

			require.NoError(t, store.SaveUIState(ctx, "p1", map[string]any{"zoom": 2.0}))
			got, err = store.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, 2.0, got.UIState["zoom"])

			list, err := store.ListProjects(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, list, 1)

			_, err = store.GetProject(ctx, "missing")
			assert.ErrorIs(t, err, ErrProjectNotFound)
			assert.ErrorIs(t, store.SaveWorkflow(ctx, "missing", types.ProjectWorkflow{}), ErrProjectNotFound)

			require.NoError(t, store.DeleteProject(ctx, "p1"))
			assert.ErrorIs(t, store.DeleteProject(ctx, "p1"), ErrProjectNotFound)
		})
	}
}

func TestStorageFilesAndOutputs(t *testing.T) {
	for name, store := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateProject(ctx, newProject("p1")))

			require.NoError(t, store.CreateFile(ctx, types.FileRecord{Key: "k1", Filename: "a.png", Format: types.FormatPNG, Size: 3, ProjectID: "p1", OwnerID: "u1"}))
			require.NoError(t, store.CreateFile(ctx, types.FileRecord{Key: "k2", Filename: "b.csv", Format: types.FormatCSV, Size: 4, ProjectID: "p1", OwnerID: "u1"}))
			require.NoError(t, store.SoftDeleteFiles(ctx, "p1", []string{"k1"}))
			files, err := store.ListFiles(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Equal(t, "k2", files[0].Key)

			tx, err := store.Begin(ctx)
			require.NoError(t, err)
			id1, err := tx.SaveNodeOutput(ctx, types.NodeOutput{ProjectID: "p1", NodeID: "a", Port: "value", Payload: []byte(`{"x":1}`)})
			require.NoError(t, err)
			id2, err := tx.SaveNodeOutput(ctx, types.NodeOutput{ProjectID: "p1", NodeID: "b", Port: "value", Payload: []byte(`{"x":2}`), FileKey: "k2"})
			require.NoError(t, err)
			assert.NotEqual(t, id1, id2)
			require.NoError(t, tx.Commit())
			assert.ErrorIs(t, tx.Commit(), ErrTxDone)

			out, err := store.GetNodeOutput(ctx, id1)
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"x":1}`), out.Payload)

			list, err := store.ListNodeOutputs(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Nil(t, list[0].Payload)

			require.NoError(t, store.DeleteNodeOutputs(ctx, "p1", []string{id1}))
			_, err = store.GetNodeOutput(ctx, id1)
			assert.ErrorIs(t, err, ErrOutputNotFound)

			tx, err = store.Begin(ctx)
			require.NoError(t, err)
			id3, err := tx.SaveNodeOutput(ctx, types.NodeOutput{ProjectID: "p1", NodeID: "c", Port: "value", Payload: []byte(`1`)})
			require.NoError(t, err)
			require.NoError(t, tx.Rollback())
			_, err = store.GetNodeOutput(ctx, id3)
			assert.ErrorIs(t, err, ErrOutputNotFound)
		})
	}
}

func TestTxFilesAndGetFile(t *testing.T) {
	for name, store := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateProject(ctx, newProject("p1")))

			tx, err := store.Begin(ctx)
			require.NoError(t, err)
			require.NoError(t, tx.CreateFile(ctx, types.FileRecord{Key: "p1/plot.png", Filename: "plot.png", Format: types.FormatPNG, Size: 10, ProjectID: "p1", OwnerID: "u1"}))
			_, err = tx.SaveNodeOutput(ctx, types.NodeOutput{ProjectID: "p1", NodeID: "plot", Port: "plot", Payload: []byte(`{}`), FileKey: "p1/plot.png"})
			require.NoError(t, err)
			require.NoError(t, tx.Commit())
			assert.ErrorIs(t, tx.CreateFile(ctx, types.FileRecord{Key: "late"}), ErrTxDone)

			f, err := store.GetFile(ctx, "p1/plot.png")
			require.NoError(t, err)
			assert.Equal(t, types.FormatPNG, f.Format)
			assert.False(t, f.Deleted)
			assert.NotZero(t, f.CreatedAt)

			require.NoError(t, store.SoftDeleteFiles(ctx, "p1", []string{"p1/plot.png"}))
			f, err = store.GetFile(ctx, "p1/plot.png")
			require.NoError(t, err)
			assert.True(t, f.Deleted)
			files, err := store.ListFiles(ctx, "p1")
			require.NoError(t, err)
			assert.Empty(t, files)

			tx, err = store.Begin(ctx)
			require.NoError(t, err)
			require.NoError(t, tx.CreateFile(ctx, types.FileRecord{Key: "p1/gone.png", Filename: "gone.png", Format: types.FormatPNG, ProjectID: "p1", OwnerID: "u1"}))
			require.NoError(t, tx.Rollback())
			_, err = store.GetFile(ctx, "p1/gone.png")
			assert.ErrorIs(t, err, ErrFileNotFound)
		})
	}
}

func TestBlobStores(t *testing.T) {
	local, err := NewLocalBlobs(t.TempDir())
	require.NoError(t, err)
	for name, blobs := range map[string]BlobStore{"memory": NewMemoryBlobs(), "local": local} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, blobs.Put(ctx, "p1/k1", []byte("data")))
			got, err := blobs.Get(ctx, "p1/k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("data"), got)
			require.NoError(t, blobs.Remove(ctx, "p1/k1"))
			_, err = blobs.Get(ctx, "p1/k1")
			assert.ErrorIs(t, err, ErrBlobNotFound)
		})
	}

	assert.Error(t, local.Put(context.Background(), "../escape", []byte("x")))
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(`{"schema":{"type":"int"},"value":5}`)
	out, err := Decompress(Compress(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestNewRedisClient(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := NewRedisClient(RedisOptions{Addr: srv.Addr()})
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStorage()
	_, err := store.GetProject(ctx, "p1")
	assert.ErrorIs(t, err, context.Canceled)
}
