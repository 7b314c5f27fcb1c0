package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func fastLocker(s Store, wait time.Duration) *Locker {
	return NewLocker(s, WithMaxWait(wait), WithPollInterval(5*time.Millisecond), WithAppointTTL(time.Second))
}

func TestKeys(t *testing.T) {
	keys, err := Keys("p1", ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"project:p1:lock:workflow", "project:p1:lock:ui_state"}, keys)
	_, err = Keys("p1", "bogus")
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestExclusivity(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := fastLocker(store, 50*time.Millisecond)

			held, err := l.Acquire(ctx, "p1", ScopeWorkflow, "")
			require.NoError(t, err)

			_, err = l.Acquire(ctx, "p1", ScopeWorkflow, "")
			assert.ErrorIs(t, err, ErrLockTimeout)
			_, err = l.Acquire(ctx, "p1", ScopeAll, "")
			assert.ErrorIs(t, err, ErrLockTimeout)

			// The UI scope is disjoint from the workflow scope.
			ui, err := l.Acquire(ctx, "p1", ScopeUIState, "")
			require.NoError(t, err)
			require.NoError(t, ui.Release(ctx))

			// Another project is unaffected.
			other, err := l.Acquire(ctx, "p2", ScopeAll, "")
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, held.Release(ctx))
			require.NoError(t, held.Release(ctx))
			again, err := l.Acquire(ctx, "p1", ScopeAll, "")
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestConcurrentHolders(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := fastLocker(store, 5*time.Second)
			var inside, maxInside atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					lk, err := l.Acquire(ctx, "p1", ScopeWorkflow, "")
					if !assert.NoError(t, err) {
						return
					}
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					inside.Add(-1)
					assert.NoError(t, lk.Release(ctx))
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside.Load())
		})
	}
}

func TestHandoff(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := fastLocker(store, 200*time.Millisecond)

			handler, err := l.Acquire(ctx, "p1", ScopeWorkflow, "")
			require.NoError(t, err)
			require.NoError(t, handler.Appoint(ctx, "task-42"))
			require.NoError(t, handler.Release(ctx))

			// A wrong identity is rejected at once.
			_, err = l.Acquire(ctx, "p1", ScopeWorkflow, "task-7")
			assert.ErrorIs(t, err, ErrLockIdentityMismatch)

			// Anonymous callers wait for the appointment.
			_, err = l.Acquire(ctx, "p1", ScopeWorkflow, "")
			assert.ErrorIs(t, err, ErrLockTimeout)

			worker, err := l.Acquire(ctx, "p1", ScopeWorkflow, "task-42")
			require.NoError(t, err)
			require.NoError(t, worker.Release(ctx))

			// The appointment was consumed.
			free, err := l.Acquire(ctx, "p1", ScopeWorkflow, "")
			require.NoError(t, err)
			require.NoError(t, free.Release(ctx))
		})
	}
}

func TestAppointmentExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(0, 0)
	store.now = func() time.Time { return now }
	l := NewLocker(store, WithMaxWait(0), WithAppointTTL(30*time.Second))
	ctx := context.Background()

	lk, err := l.Acquire(ctx, "p1", ScopeWorkflow, "")
	require.NoError(t, err)
	require.NoError(t, lk.Appoint(ctx, "task-1"))
	require.NoError(t, lk.Release(ctx))

	_, err = l.Acquire(ctx, "p1", ScopeWorkflow, "")
	assert.ErrorIs(t, err, ErrLockTimeout)

	now = now.Add(31 * time.Second)
	lk, err = l.Acquire(ctx, "p1", ScopeWorkflow, "")
	require.NoError(t, err)
	assert.True(t, store.Held("project:p1:lock:workflow"))
	require.NoError(t, lk.Release(ctx))
	assert.ErrorIs(t, lk.Appoint(ctx, "x"), ErrNotHeld)
}

func TestAcquireAsync(t *testing.T) {
	ctx := context.Background()
	l := fastLocker(NewMemoryStore(), time.Second)
	held, err := l.Acquire(ctx, "p1", ScopeWorkflow, "")
	require.NoError(t, err)

	lockCh, errCh := l.AcquireAsync(ctx, "p1", ScopeWorkflow, "")
	time.AfterFunc(30*time.Millisecond, func() { _ = held.Release(ctx) })
	select {
	case lk := <-lockCh:
		require.NoError(t, lk.Release(ctx))
	case err := <-errCh:
		t.Fatalf("AcquireAsync failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireAsync did not return")
	}

	cctx, cancel := context.WithCancel(ctx)
	held, err = l.Acquire(ctx, "p1", ScopeWorkflow, "")
	require.NoError(t, err)
	defer held.Release(ctx)
	_, errCh = l.AcquireAsync(cctx, "p1", ScopeWorkflow, "")
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestPartialAcquireRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := fastLocker(store, 20*time.Millisecond)
	ui, err := l.Acquire(ctx, "p1", ScopeUIState, "")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "p1", ScopeAll, "")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, store.Held("project:p1:lock:workflow"))
	require.NoError(t, ui.Release(ctx))
}
