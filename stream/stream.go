// Package stream carries ordered progress messages from one producer to one
// consumer. Each side sets its own finished flag; whichever side finishes
// second deletes the stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/patch"
)

// DefaultTTL is refreshed on every write.
const DefaultTTL = time.Hour

var (
	ErrStreamFinished = errors.New("stream already finished")
	ErrReadTimeout    = errors.New("stream read timed out")
	ErrStreamNotFound = errors.New("stream not found")
)

// Status of a message. Success and failure are terminal.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether the status ends the stream.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Flags of a stream.
const (
	FlagSender = "sender_finished"
	FlagReader = "reader_finished"
)

// Timer marks the start or the stop of a node's UI timer.
type Timer string

const (
	TimerStart Timer = "start"
	TimerStop  Timer = "stop"
)

// Payload is the body of a progress message.
type Payload struct {
	Stage     string        `json:"stage"`
	NodeID    string        `json:"node_id,omitempty"`
	Timer     Timer         `json:"timer,omitempty"`
	Patch     []patch.Patch `json:"patch,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// Message is one entry of a stream.
type Message struct {
	ID      string          `json:"id"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload.
func (m Message) Decode() (Payload, error) {
	var p Payload
	if len(m.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}

// Store is the backend shared by producers and consumers.
type Store interface {
	// Append adds a message and refreshes the TTL. It returns the message id.
	Append(ctx context.Context, name string, m Message, ttl time.Duration) (string, error)
	// Read waits up to timeout for the first message after the given id. The
	// empty id reads from the start. It returns ErrReadTimeout when nothing arrived.
	Read(ctx context.Context, name, after string, timeout time.Duration) (Message, error)
	// SetFlag sets a lifecycle flag and returns both flags after the update.
	SetFlag(ctx context.Context, name, flag string, ttl time.Duration) (sender, reader bool, err error)
	Delete(ctx context.Context, name string) error
}

type options struct {
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Producer or Consumer.
type Option func(*options)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// finish sets flag and deletes the stream when the peer already finished.
func finish(ctx context.Context, s Store, name, flag string, o options) error {
	sender, reader, err := s.SetFlag(ctx, name, flag, o.ttl)
	if err != nil {
		return fmt.Errorf("setting %s on %s: %w", flag, name, err)
	}
	if sender && reader {
		o.logger.Debug("deleting finished stream", zap.String("stream", name), zap.String("by", flag))
		if err := s.Delete(ctx, name); err != nil {
			return fmt.Errorf("deleting stream %s: %w", name, err)
		}
	}
	return nil
}

// Producer appends messages. Only one terminal message may be sent.
type Producer struct {
	store Store
	name  string
	opts  options

	mu       sync.Mutex
	finished bool
}

// NewProducer returns the producer of stream name.
func NewProducer(store Store, name string, opts ...Option) *Producer {
	return &Producer{store: store, name: name, opts: buildOptions(opts)}
}

// Name returns the stream name.
func (p *Producer) Name() string { return p.name }

// Send encodes payload and appends it. A terminal status finishes the sender side.
func (p *Producer) Send(ctx context.Context, status Status, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return ErrStreamFinished
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if _, err := p.store.Append(ctx, p.name, Message{Status: status, Payload: raw}, p.opts.ttl); err != nil {
		return fmt.Errorf("appending to %s: %w", p.name, err)
	}
	if status.Terminal() {
		p.finished = true
		return finish(ctx, p.store, p.name, FlagSender, p.opts)
	}
	return nil
}

// Finished reports whether the terminal message was sent.
func (p *Producer) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Close finishes the sender side without a terminal message.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return nil
	}
	p.finished = true
	return finish(ctx, p.store, p.name, FlagSender, p.opts)
}

// Consumer reads messages in order, tracking its own position.
type Consumer struct {
	store Store
	name  string
	opts  options

	mu       sync.Mutex
	last     string
	finished bool
}

// NewConsumer returns the consumer of stream name.
func NewConsumer(store Store, name string, opts ...Option) *Consumer {
	return &Consumer{store: store, name: name, opts: buildOptions(opts)}
}

// Read returns the next message or ErrReadTimeout. Observing a terminal
// message finishes the reader side.
func (c *Consumer) Read(ctx context.Context, timeout time.Duration) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return Message{}, ErrStreamFinished
	}
	m, err := c.store.Read(ctx, c.name, c.last, timeout)
	if err != nil {
		return Message{}, err
	}
	c.last = m.ID
	if m.Status.Terminal() {
		c.finished = true
		if err := finish(ctx, c.store, c.name, FlagReader, c.opts); err != nil {
			c.opts.logger.Warn("finishing reader", zap.String("stream", c.name), zap.Error(err))
		}
	}
	return m, nil
}

// ReadAll reads until a terminal message, returning every message read.
func (c *Consumer) ReadAll(ctx context.Context, timeout time.Duration) ([]Message, error) {
	var out []Message
	for {
		m, err := c.Read(ctx, timeout)
		if err != nil {
			return out, err
		}
		out = append(out, m)
		if m.Status.Terminal() {
			return out, nil
		}
	}
}

// Close finishes the reader side, for example when the client went away.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil
	}
	c.finished = true
	return finish(ctx, c.store, c.name, FlagReader, c.opts)
}
