// Package gateway owns the lifecycle of authenticated connections: it
// registers presence, broadcasts online/offline transitions and routes
// inbound events through a table of handlers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
)

// Authenticator resolves a bearer credential to a known user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Transport writes an envelope to one live connection. Deliver must not
// block; a connection that cannot keep up is dropped by the transport.
type Transport interface {
	Deliver(h presence.Handle, env model.Envelope)
}

// LastSeenRecorder persists the moment a connection closed.
type LastSeenRecorder interface {
	UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error
}

// Session is the identity attached to one connection.
type Session struct {
	Handle presence.Handle
	UserID string

	closed atomic.Bool
}

// Outbound addresses one event to a set of connections.
type Outbound struct {
	Handles []presence.Handle
	Event   model.Envelope
}

// To builds an Outbound for handles. It returns nil when there is nobody to
// deliver to.
func To(handles []presence.Handle, t model.EventType, payload any) ([]Outbound, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	env, err := model.NewEnvelope(t, payload)
	if err != nil {
		return nil, err
	}
	return []Outbound{{Handles: handles, Event: env}}, nil
}

// HandlerFunc serves one inbound event kind. Outbounds are delivered even
// when an error is also returned.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) ([]Outbound, error)

type Deps struct {
	Auth      Authenticator
	Registry  *presence.Registry
	Mirror    presence.Mirror
	LastSeen  LastSeenRecorder
	Transport Transport
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

type Gateway struct {
	auth      Authenticator
	registry  *presence.Registry
	mirror    presence.Mirror
	lastSeen  LastSeenRecorder
	transport Transport
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[model.EventType]HandlerFunc

	users userLocks
}

// userLocks serializes presence transitions per user so the mirror and the
// broadcast see them in registry order.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		if ul.refs--; ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

func New(d Deps) *Gateway {
	if d.Mirror == nil {
		d.Mirror = presence.NopMirror{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Gateway{
		auth:      d.Auth,
		registry:  d.Registry,
		mirror:    d.Mirror,
		lastSeen:  d.LastSeen,
		transport: d.Transport,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       d.Now,
		handlers:  make(map[model.EventType]HandlerFunc),
	}
}

// Handle installs the handler for an inbound event kind.
func (g *Gateway) Handle(t model.EventType, fn HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[t] = fn
}

// Authenticate must succeed before a connection is accepted.
func (g *Gateway) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing credential", ErrAuthentication)
	}
	userID, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return userID, nil
}

// Connect registers an authenticated connection. The transport must already
// be able to deliver to h.
func (g *Gateway) Connect(ctx context.Context, userID string, h presence.Handle) (*Session, error) {
	unlock := g.users.lock(userID)
	defer unlock()

	online, err := g.registry.Register(userID, h)
	if err != nil {
		return nil, err
	}
	g.metrics.Connections.Inc()
	g.logger.Info("connection registered", zap.String("user_id", userID), zap.String("handle", string(h)), zap.Bool("came_online", online))

	if online {
		g.metrics.OnlineUsers.Inc()
		if err := g.mirror.SetOnline(ctx, userID, g.now()); err != nil {
			g.logger.Warn("presence mirror update failed", zap.String("user_id", userID), zap.Error(err))
		}
		g.broadcastPresence(userID, true)
	}
	return &Session{Handle: h, UserID: userID}, nil
}

// Disconnect unregisters the session. Offline is only announced when the
// user's last connection closes; calling it twice is harmless.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	now := g.now()
	unlock := g.users.lock(s.UserID)
	offline := g.registry.Unregister(s.UserID, s.Handle)
	g.metrics.Connections.Dec()
	if offline {
		g.metrics.OnlineUsers.Dec()
		if err := g.mirror.SetOffline(ctx, s.UserID, now); err != nil {
			g.logger.Warn("presence mirror update failed", zap.String("user_id", s.UserID), zap.Error(err))
		}
		g.broadcastPresence(s.UserID, false)
	}
	unlock()
	g.logger.Info("connection closed", zap.String("user_id", s.UserID), zap.String("handle", string(s.Handle)), zap.Bool("went_offline", offline))

	if g.lastSeen != nil {
		if err := g.lastSeen.UpdateUserLastSeen(ctx, s.UserID, now); err != nil {
			g.logger.Warn("record last seen failed", zap.String("user_id", s.UserID), zap.Error(err))
		}
	}
}

func (g *Gateway) broadcastPresence(userID string, online bool) {
	env, err := model.NewEnvelope(model.TypePresence, model.PresenceNotice{UserID: userID, Online: online})
	if err != nil {
		g.logger.Error("encode presence", zap.Error(err))
		return
	}
	for _, other := range g.registry.Users() {
		if other == userID {
			continue
		}
		for _, h := range g.registry.Lookup(other) {
			g.transport.Deliver(h, env)
		}
	}
}

// Dispatch decodes one inbound frame and runs its handler. Failures go
// back to the originating connection as an error event.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, frame []byte) {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		g.metrics.Events.WithLabelValues("unknown", CodeBadRequest).Inc()
		g.Reject(s, fmt.Errorf("%w: malformed frame", ErrValidation))
		return
	}

	g.mu.RLock()
	fn, ok := g.handlers[env.Type]
	g.mu.RUnlock()
	if !ok {
		g.metrics.Events.WithLabelValues("unknown", CodeBadRequest).Inc()
		g.Reject(s, Invalid("unsupported event type %q", env.Type))
		return
	}

	outs, err := g.invoke(ctx, fn, s, env)
	g.Deliver(outs)

	result := "ok"
	if err != nil {
		result = Code(err)
		g.logger.Info("event rejected", zap.String("user_id", s.UserID), zap.String("type", string(env.Type)), zap.Error(err))
		g.Reject(s, err)
	}
	g.metrics.Events.WithLabelValues(string(env.Type), result).Inc()
}

func (g *Gateway) invoke(ctx context.Context, fn HandlerFunc, s *Session, env model.Envelope) (outs []Outbound, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panic", zap.String("type", string(env.Type)), zap.Any("panic", r), zap.Stack("stack"))
			outs, err = nil, fmt.Errorf("%s handler panicked", env.Type)
		}
	}()
	return fn(ctx, s, env.Payload)
}

// Deliver hands every outbound to the transport.
func (g *Gateway) Deliver(outs []Outbound) {
	for _, o := range outs {
		for _, h := range o.Handles {
			g.transport.Deliver(h, o.Event)
		}
	}
}

// Reject sends an error event for err to the session's own connection.
func (g *Gateway) Reject(s *Session, err error) {
	env, encErr := model.NewEnvelope(model.TypeError, model.ErrorPayload{Code: Code(err), Reason: err.Error()})
	if encErr != nil {
		g.logger.Error("encode error event", zap.Error(encErr))
		return
	}
	g.transport.Deliver(s.Handle, env)
}

// Registry exposes the presence registry to handlers built outside this package.
func (g *Gateway) Registry() *presence.Registry {
	return g.registry
}
