// Package events is an in-process bus publishing task lifecycle events.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Standard error definitions
var (
	ErrBusClosed   = errors.New("event bus is closed")
	ErrChannelFull = errors.New("event channel is full")
	ErrNoHandler   = errors.New("no handlers registered for topic")
)

// Topics published by the task supervisor. TopicAll subscribes to every topic.
const (
	TopicTaskStateChanged = "task_state_changed"
	TopicNodeFailed       = "node_failed"
	TopicAll              = "*"
)

const defaultBufferSize = 100

// Event is a task lifecycle notification.
type Event struct {
	Type      string
	TaskID    string
	ProjectID string
	At        time.Time
	Data      map[string]interface{}
}

// StateChanged builds a TopicTaskStateChanged event.
func StateChanged(taskID, projectID, from, to string) Event {
	return Event{
		Type:      TopicTaskStateChanged,
		TaskID:    taskID,
		ProjectID: projectID,
		At:        time.Now(),
		Data:      map[string]interface{}{"from": from, "to": to},
	}
}

// NodeFailed builds a TopicNodeFailed event.
func NodeFailed(taskID, projectID, stage, nodeID string, err error) Event {
	return Event{
		Type:      TopicNodeFailed,
		TaskID:    taskID,
		ProjectID: projectID,
		At:        time.Now(),
		Data:      map[string]interface{}{"stage": stage, "node_id": nodeID, "error": err.Error()},
	}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	topic   string
	handler EventHandler
}

// EventBus delivers events on one background goroutine. Events reach each
// handler in publication order, handlers run in subscription order.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  uint64
	closed  bool
	queue   chan Event
	onError func(event Event, err error)
	logger  *zap.Logger
	done    chan struct{}
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithErrorHandler receives handler failures instead of the logger.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) { eb.onError = handler }
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(l *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		if l != nil {
			eb.logger = l
		}
	}
}

// NewEventBus starts a bus. Handler errors are logged unless WithErrorHandler is given.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		queue:  make(chan Event, defaultBufferSize),
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.onError == nil {
		eb.onError = eb.logError
	}
	go eb.deliverLoop()
	return eb
}

// Subscribe registers a handler for a topic and returns a function removing it.
func (eb *EventBus) Subscribe(topic string, handler EventHandler) (cancel func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, topic: topic, handler: handler})
	return func() { eb.unsubscribe(id) }
}

// SubscribeFunc subscribes a function as a handler to a topic.
func (eb *EventBus) SubscribeFunc(topic string, fn func(ctx context.Context, event Event) error) (cancel func()) {
	return eb.Subscribe(topic, EventHandlerFunc(fn))
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// HasSubscribers reports whether an event of topic has any receiver.
func (eb *EventBus) HasSubscribers(topic string) bool {
	return len(eb.handlersFor(topic)) > 0
}

func (eb *EventBus) handlersFor(topic string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []EventHandler
	for _, s := range eb.subs {
		if s.topic == topic || s.topic == TopicAll {
			out = append(out, s.handler)
		}
	}
	return out
}

// Publish queues an event without blocking.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	select {
	case eb.queue <- event:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for task %s", ErrChannelFull, event.Type, event.TaskID)
	}
}

// PublishSync delivers an event on the caller's goroutine and returns the
// handler errors. Queued events are not waited for.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}
	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	return deliver(ctx, handlers, event)
}

// Stop closes the bus and returns once every queued event was delivered.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.mu.Unlock()
	<-eb.done
}

func (eb *EventBus) deliverLoop() {
	defer close(eb.done)
	for event := range eb.queue {
		for _, err := range deliver(context.Background(), eb.handlersFor(event.Type), event) {
			eb.onError(event, err)
		}
	}
}

func deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	var errs []error
	for _, h := range handlers {
		if err := handle(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func handle(ctx context.Context, h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		zap.String("topic", event.Type),
		zap.String("task_id", event.TaskID),
		zap.String("project_id", event.ProjectID),
		zap.Error(err))
}
