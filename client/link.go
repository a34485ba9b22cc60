package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

var errOffline = errors.New("not connected to the gateway")

// link owns the gateway connection and redials it when it drops. Writes are
// serialized because gorilla/websocket allows one concurrent writer.
type link struct {
	dial    func(ctx context.Context) (*websocket.Conn, error)
	logger  *zap.Logger
	minWait time.Duration
	maxWait time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	closing atomic.Bool
}

func newLink(dial func(ctx context.Context) (*websocket.Conn, error), logger *zap.Logger) *link {
	return &link{dial: dial, logger: logger, minWait: 500 * time.Millisecond, maxWait: 30 * time.Second}
}

func (l *link) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *link) send(t model.EventType, payload any) error {
	env, err := model.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return errOffline
	}
	return l.conn.WriteJSON(env)
}

// connect dials until it succeeds or ctx ends, doubling the wait between
// attempts up to maxWait.
func (l *link) connect(ctx context.Context) error {
	wait := l.minWait
	for {
		conn, err := l.dial(ctx)
		if err == nil {
			l.mu.Lock()
			old := l.conn
			l.conn = conn
			l.mu.Unlock()
			if old != nil {
				_ = old.Close()
			}
			return nil
		}
		l.logger.Warn("dial gateway", zap.Duration("retry_in", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, l.maxWait)
	}
}

// run feeds every inbound event to handle. When the connection drops it
// reconnects and calls resync, since missed events are not replayed. It
// returns once close was called or ctx ends.
func (l *link) run(ctx context.Context, handle func(model.Envelope), resync func()) error {
	for {
		conn := l.current()
		for {
			var env model.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				if l.closing.Load() || ctx.Err() != nil {
					return nil
				}
				l.logger.Info("connection lost", zap.Error(err))
				break
			}
			handle(env)
		}

		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		_ = conn.Close()

		if err := l.connect(ctx); err != nil {
			return err
		}
		resync()
	}
}

// close sends a close frame; run returns once the server hangs up.
func (l *link) close() {
	l.closing.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}
