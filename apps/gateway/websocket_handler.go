package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the gateway.
type Client struct {
	hub     *Hub
	gw      *gateway.Gateway
	cfg     config.WebSocketCfg
	logger  *zap.Logger
	conn    *websocket.Conn
	limiter *rate.Limiter

	handle  presence.Handle
	userID  string
	session *gateway.Session

	// Buffered channel of encoded outbound events.
	send chan []byte

	kickOnce sync.Once
}

// kick closes the underlying connection; the read pump then unwinds the
// session. Safe to call from any goroutine.
func (c *Client) kick() {
	c.kickOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// readPump pumps frames from the websocket connection into the gateway.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gw.Disconnect(context.WithoutCancel(ctx), c.session)
		c.hub.detach(c)
		c.kick()
	}()
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.gw.Reject(c.session, gateway.ErrRateLimited)
			continue
		}
		c.gw.Dispatch(ctx, c.session, frame)
	}
}

// writePump pumps encoded events from the hub to the websocket connection.
// Each event is its own text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.kick()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs authenticates the request and upgrades it. Rejected credentials
// get a 401 before any websocket handshake happens.
func serveWs(ctx context.Context, hub *Hub, gw *gateway.Gateway, cfg config.WebSocketCfg, logger *zap.Logger, w http.ResponseWriter, r *http.Request) {
	userID, err := gw.Authenticate(r.Context(), auth.BearerToken(r))
	if err != nil {
		logger.Info("websocket rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Info("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := &Client{
		hub:     hub,
		gw:      gw,
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		handle:  presence.NewHandle(),
		userID:  userID,
		send:    make(chan []byte, cfg.SendBuffer),
	}
	hub.attach(client)

	session, err := gw.Connect(ctx, userID, client.handle)
	if err != nil {
		logger.Warn("register connection failed", zap.String("user_id", userID), zap.Error(err))
		hub.detach(client)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
		_ = conn.Close()
		return
	}
	client.session = session

	go client.writePump()
	go client.readPump(ctx)
}
