// Package relay forwards the progress stream of a task to a websocket client.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/stream"
	"github.com/songzhibin97/dataflow-engine/task"
)

// Close codes sent to the client.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseInternalError  = websocket.CloseInternalServerErr
	CloseInactivity     = 4400
	CloseClientRevoked  = 4401
	CloseLockConflict   = 4409
	DefaultReadTimeout  = 5 * time.Second
	DefaultMaxTimeouts  = 120
	defaultWriteTimeout = 5 * time.Second
)

// Revoker stops a task. It is implemented by task.Supervisor and task.Submitter.
type Revoker interface {
	Revoke(ctx context.Context, taskID string, wait time.Duration) (bool, error)
}

// Option configures a Relay.
type Option func(*Relay)

// WithReadTimeout sets how long one stream read waits.
func WithReadTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

// WithMaxTimeouts sets how many consecutive empty reads end the relay.
func WithMaxTimeouts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxTimeouts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithUpgrader replaces the websocket upgrader, for example to check origins.
func WithUpgrader(u websocket.Upgrader) Option {
	return func(r *Relay) { r.upgrader = u }
}

// Relay is the reader side of the progress streams. It serves /ws/{task_id}.
type Relay struct {
	streams     stream.Store
	revoker     Revoker
	upgrader    websocket.Upgrader
	readTimeout time.Duration
	maxTimeouts int
	logger      *zap.Logger
}

// New returns a Relay reading from streams. A nil revoker disables revocation.
func New(streams stream.Store, revoker Revoker, opts ...Option) *Relay {
	r := &Relay{
		streams:     streams,
		revoker:     revoker,
		readTimeout: DefaultReadTimeout,
		maxTimeouts: DefaultMaxTimeouts,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// wireMessage is what the client receives for every stream message.
type wireMessage struct {
	Status  stream.Status   `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

func taskIDOf(req *http.Request) string {
	if id := req.PathValue("task_id"); id != "" {
		return id
	}
	id := strings.TrimPrefix(req.URL.Path, "/ws/")
	if id == req.URL.Path || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// ServeHTTP upgrades the connection and forwards messages until the task
// finishes, the client goes away or the stream stays silent too long.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	taskID := taskIDOf(req)
	if taskID == "" {
		http.Error(w, "missing task id", http.StatusNotFound)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := r.logger.With(zap.String("task_id", taskID))
	consumer := stream.NewConsumer(r.streams, taskID, stream.WithLogger(logger))
	ctx := context.WithoutCancel(req.Context())

	// The close frame is answered from the write loop with CloseClientRevoked.
	conn.SetCloseHandler(func(int, string) error { return nil })
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	timeouts := 0
	for {
		select {
		case <-gone:
			logger.Info("client disconnected")
			r.stop(ctx, consumer, taskID, logger)
			r.close(conn, CloseClientRevoked, "client disconnected", logger)
			return
		default:
		}

		m, err := consumer.Read(ctx, r.readTimeout)
		if errors.Is(err, stream.ErrReadTimeout) {
			timeouts++
			if timeouts >= r.maxTimeouts {
				logger.Info("stream inactive", zap.Int("timeouts", timeouts))
				r.stop(ctx, consumer, taskID, logger)
				r.close(conn, CloseInactivity, "inactivity timeout", logger)
				return
			}
			continue
		}
		if err != nil {
			logger.Error("reading stream", zap.Error(err))
			r.stop(ctx, consumer, taskID, logger)
			r.close(conn, CloseInternalError, "stream error", logger)
			return
		}
		timeouts = 0

		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		if err := conn.WriteJSON(wireMessage{Status: m.Status, Payload: m.Payload}); err != nil {
			logger.Info("client write failed", zap.Error(err))
			if !m.Status.Terminal() {
				r.stop(ctx, consumer, taskID, logger)
			}
			return
		}
		if m.Status.Terminal() {
			code, reason := closeCode(m)
			r.close(conn, code, reason, logger)
			return
		}
	}
}

// closeCode maps a terminal message to the close code of the connection.
func closeCode(m stream.Message) (int, string) {
	if m.Status == stream.StatusSuccess {
		return CloseNormal, "done"
	}
	p, err := m.Decode()
	if err != nil {
		return CloseInternalError, "error"
	}
	switch p.ErrorKind {
	case task.KindLock:
		return CloseLockConflict, p.ErrorKind
	case task.KindRevoked:
		return CloseClientRevoked, p.ErrorKind
	case task.KindTimeout:
		return CloseInactivity, p.ErrorKind
	}
	return CloseInternalError, "error"
}

// stop revokes the task and finishes the reader side of the stream.
func (r *Relay) stop(ctx context.Context, consumer *stream.Consumer, taskID string, logger *zap.Logger) {
	if r.revoker != nil {
		if _, err := r.revoker.Revoke(ctx, taskID, 0); err != nil {
			logger.Warn("revoking task", zap.Error(err))
		}
	}
	if err := consumer.Close(ctx); err != nil {
		logger.Warn("closing stream reader", zap.Error(err))
	}
}

func (r *Relay) close(conn *websocket.Conn, code int, reason string, logger *zap.Logger) {
	logger.Info("closing websocket", zap.Int("code", code), zap.String("reason", reason))
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		logger.Debug("writing close frame", zap.Error(err))
	}
}
