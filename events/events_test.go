package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Handle(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) seen() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestPublishDeliversInOrder(t *testing.T) {
	eb := NewEventBus()
	rec := &recorder{}
	eb.Subscribe(TopicTaskStateChanged, rec)

	states := []string{"SUBMITTED", "LOCKING", "LOADING", "CLEANUP", "VALIDATION", "DONE"}
	for i := 1; i < len(states); i++ {
		require.NoError(t, eb.Publish(context.Background(), StateChanged("t1", "p1", states[i-1], states[i])))
	}
	eb.Stop()

	got := rec.seen()
	require.Len(t, got, len(states)-1)
	for i, ev := range got {
		assert.Equal(t, "t1", ev.TaskID)
		assert.Equal(t, "p1", ev.ProjectID)
		assert.Equal(t, states[i+1], ev.Data["to"])
	}

	assert.ErrorIs(t, eb.Publish(context.Background(), StateChanged("t1", "p1", "DONE", "DONE")), ErrBusClosed)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()
	eb.Subscribe(TopicTaskStateChanged, &recorder{})
	err := eb.Publish(context.Background(), NodeFailed("t1", "p1", "execute", "n1", errors.New("boom")))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestWildcardAndCancel(t *testing.T) {
	eb := NewEventBus()
	all, failed := &recorder{}, &recorder{}
	eb.Subscribe(TopicAll, all)
	cancel := eb.Subscribe(TopicNodeFailed, failed)

	require.NoError(t, eb.Publish(context.Background(), NodeFailed("t", "p", "static", "n", errors.New("x"))))
	require.NoError(t, eb.Publish(context.Background(), StateChanged("t", "p", "STATIC", "EXECUTE")))
	require.Eventually(t, func() bool { return len(all.seen()) == 2 }, time.Second, time.Millisecond)
	eb.PublishSync(context.Background(), NodeFailed("t", "p", "execute", "m", errors.New("y")))
	cancel()
	cancel()
	assert.Empty(t, eb.PublishSync(context.Background(), NodeFailed("t", "p", "execute", "k", errors.New("z"))))
	eb.Stop()

	assert.Len(t, all.seen(), 4)
	assert.Len(t, failed.seen(), 2)
}

func TestPublishSyncCollectsErrors(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(TopicNodeFailed, &recorder{err: errors.New("sink down")})
	eb.SubscribeFunc(TopicNodeFailed, func(ctx context.Context, event Event) error { panic("bad handler") })

	errs := eb.PublishSync(context.Background(), NodeFailed("t1", "p1", "static", "n2", errors.New("invalid input")))
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "sink down")
	assert.ErrorContains(t, errs[1], "handler panicked")
	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), Event{Type: "other"}))
}

func TestErrorHandlerAndBackpressure(t *testing.T) {
	var mu sync.Mutex
	var handled []error
	release := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1), WithErrorHandler(func(event Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, err)
	}))

	eb.SubscribeFunc(TopicNodeFailed, func(ctx context.Context, event Event) error {
		<-release
		return errors.New("rejected")
	})
	ev := NodeFailed("t", "p", "execute", "n", errors.New("x"))
	require.NoError(t, eb.Publish(context.Background(), ev))
	assert.Eventually(t, func() bool { return len(eb.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, eb.Publish(context.Background(), ev))
	assert.ErrorIs(t, eb.Publish(context.Background(), ev), ErrChannelFull)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, eb.Publish(ctx, ev), context.Canceled)

	close(release)
	eb.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 2)
}
