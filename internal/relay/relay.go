package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/Avicted/murmur/internal/auth"
	"github.com/Avicted/murmur/internal/metrics"
	"github.com/Avicted/murmur/internal/presence"
	"github.com/Avicted/murmur/internal/session"
	"github.com/Avicted/murmur/internal/user"
)

const (
	sendBuffer    = 64
	writeTimeout  = 5 * time.Second
	maxFrameBytes = 64 << 10
	maxTargets    = 256
)

const (
	frameRelay     = "relay"
	frameHeartbeat = "heartbeat"
	framePresence  = "presence"
	frameError     = "error"
)

// Authenticator resolves a bearer token to a live session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (session.Session, error)
}

// PresenceRecorder stores a heartbeat and returns the active snapshot.
type PresenceRecorder interface {
	Record(ctx context.Context, userID user.ID, status, signature string) ([]presence.Event, error)
}

// Hub owns the set of connected clients. Membership and fan-out happen on
// the Run goroutine only; heartbeats are handled on each client's reader.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	incoming   chan relayRequest
	done       chan struct{}
	clients    map[*Client]struct{}
	byUser     map[user.ID]map[*Client]struct{}
	auth       Authenticator
	presence   PresenceRecorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	count      atomic.Int64
}

func NewHub(authn Authenticator, pres PresenceRecorder, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan relayRequest, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[user.ID]map[*Client]struct{}),
		auth:       authn,
		presence:   pres,
		metrics:    m,
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			if h.byUser[c.userID] == nil {
				h.byUser[c.userID] = make(map[*Client]struct{})
			}
			h.byUser[c.userID][c] = struct{}{}
			h.count.Add(1)
			h.metrics.RelayConnected()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			if clients := h.byUser[c.userID]; clients != nil {
				delete(clients, c)
				if len(clients) == 0 {
					delete(h.byUser, c.userID)
				}
			}
			h.count.Add(-1)
			h.metrics.RelayDisconnected()
			c.close(websocket.StatusNormalClosure, "bye")
		case req := <-h.incoming:
			h.fanOut(req)
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil || h.presence == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	token := tokenFromRequest(r)
	if token == "" {
		h.metrics.AuthFailure("missing_token")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	sess, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.metrics.AuthFailure("invalid_token")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.logger.Error("relay authentication failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
		userID: sess.UserID,
		token:  token,
	}

	select {
	case h.register <- client:
	case <-h.done:
		client.close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go client.writeLoop()
	// The request context ends when this handler returns, so the reader
	// keeps the handler alive for the life of the connection.
	client.readLoop()
}

func (h *Hub) fanOut(req relayRequest) {
	frame, err := json.Marshal(outboundRelay{Type: frameRelay, From: req.from, Payload: req.payload})
	if err != nil {
		h.logger.Error("encode relay frame", "error", err)
		return
	}

	if len(req.targets) == 0 {
		for c := range h.clients {
			h.deliver(c, frame)
		}
		return
	}

	seen := make(map[user.ID]struct{}, len(req.targets))
	for _, id := range req.targets {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for c := range h.byUser[id] {
			h.deliver(c, frame)
		}
	}
}

func (h *Hub) deliver(c *Client, frame []byte) {
	if !c.Send(frame) {
		h.metrics.RelayDropped()
	}
}

func (h *Hub) handleHeartbeat(c *Client, in inboundFrame) {
	active, err := h.presence.Record(c.ctx, c.userID, in.Status, in.Signature)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidInput) {
			c.sendError("invalid_frame", err.Error())
			return
		}
		h.logger.Error("record heartbeat", "user_id", c.userID, "error", err)
		c.sendError("server_error", "heartbeat not recorded")
		return
	}

	snapshot := outboundPresence{Type: framePresence, Active: make([]presenceEntry, 0, len(active))}
	for _, ev := range active {
		snapshot.Active = append(snapshot.Active, presenceEntry{
			UserID:    ev.UserID,
			Status:    string(ev.Status),
			EmittedAt: ev.EmittedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.sendEvent(snapshot)
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
}

type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	userID    user.ID
	token     string
}

// Send queues a frame without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *Client) Send(msg []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer c.hub.leave(c)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		// Logout and expiry end the session; the socket goes with it.
		if err := c.checkSession(); err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				c.hub.metrics.AuthFailure("session_ended")
				c.close(websocket.StatusPolicyViolation, "session ended")
				return
			}
			c.hub.logger.Error("relay session check failed", "user_id", c.userID, "error", err)
			c.sendError("server_error", "frame not processed")
			continue
		}
		in, err := decodeInbound(data)
		if err != nil {
			c.hub.metrics.RelayFrame("invalid")
			c.sendError("invalid_frame", err.Error())
			continue
		}
		c.hub.metrics.RelayFrame(in.Type)

		switch in.Type {
		case frameHeartbeat:
			c.hub.handleHeartbeat(c, in)
		case frameRelay:
			req := relayRequest{from: c.userID, targets: in.TargetIDs, payload: in.Payload}
			select {
			case c.hub.incoming <- req:
			case <-c.hub.done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Client) checkSession() error {
	sess, err := c.hub.auth.Authenticate(c.ctx, c.token)
	if err != nil {
		return err
	}
	if sess.UserID != c.userID {
		return auth.ErrUnauthorized
	}
	return nil
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) sendEvent(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if !c.Send(data) {
		c.hub.metrics.RelayDropped()
	}
}

func (c *Client) sendError(code, message string) {
	c.sendEvent(errorEvent{Type: frameError, Code: code, Message: message})
}

func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return parseAuthHeader(r.Header.Get("Authorization"))
}

func parseAuthHeader(value string) string {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
