package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/learnloop/chat-sync/internal/metrics"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// maxFrameBytes caps inbound push frames. Chat events are small JSON
	// payloads; anything larger is a server bug.
	maxFrameBytes = 1 << 20
)

// ErrNotConnected is returned when a frame write is attempted before a
// transport has been established.
var ErrNotConnected = errors.New("push channel not connected")

// ConnState is the connection manager's lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateJoined       ConnState = "joined"
	StateRejoining    ConnState = "rejoining"
)

// EventHandler receives push-channel callbacks from the connection manager.
// All callbacks run on the connection's event loop goroutine.
type EventHandler interface {
	// HandleEvent is called once per decoded push event.
	HandleEvent(ev PushEvent)
	// ConnectionUp is called after a successful join or rejoin.
	ConnectionUp()
	// ConnectionDown is called when the push channel drops. The
	// request/response path is unaffected; the session degrades rather
	// than failing.
	ConnectionDown(reason error)
	// AuthFailed is called at most once per session, when the transport
	// rejects the credentials. Further identical failures are suppressed.
	AuthFailed(err error)
}

// wsConn abstracts the WebSocket connection so Conn can be tested without
// a real server. *websocket.Conn satisfies this interface.
//
//go:generate mockgen -source=conn.go -destination=mock_wsconn_test.go -package=chat -mock_names=wsConn=MockWSConn
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Conn owns the lifecycle of one push-channel connection for a
// (group, user) session.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. A single event loop goroutine (Listen) processes inbound
// messages and heartbeat ticks. connMu guards the conn/connCancel pair,
// which Listen swaps on every rejoin while Disconnect may read them from
// any goroutine.
type Conn struct {
	logger  *slog.Logger
	handler EventHandler

	host    string
	token   string
	groupID string
	userID  string

	// conn and connCancel are replaced by the Listen goroutine on every
	// rejoin and read by Disconnect, which may run from any goroutine.
	// connCancel cancels the per-connection context to stop the reader
	// goroutine when the connection drops before reconnecting.
	conn       wsConn
	connCancel context.CancelFunc
	connMu     sync.Mutex

	// state moves Disconnected -> Connecting -> Joined, then
	// Joined -> Rejoining -> Joined on transport reconnects.
	state   ConnState
	stateMu sync.RWMutex

	// authFailed latches after the first credential rejection so the user
	// is warned once, not on every reconnect attempt.
	authFailed   bool
	authFailedMu sync.Mutex

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// ConnConfig holds the parameters needed to join a push-channel room.
type ConnConfig struct {
	Host    string
	Token   string
	GroupID string
	UserID  string
	Handler EventHandler
}

// NewConn creates a connection manager in the Disconnected state.
func NewConn(cfg ConnConfig, logger *slog.Logger) *Conn {
	return &Conn{
		logger:  logger,
		handler: cfg.Handler,
		host:    cfg.Host,
		token:   cfg.Token,
		groupID: cfg.GroupID,
		userID:  cfg.UserID,
		state:   StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Connect dials the WebSocket and performs the join handshake. Idempotent:
// calling it while already joined for the same session is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	if c.State() == StateJoined {
		return nil
	}
	c.setState(StateConnecting)

	if err := c.dialAndJoin(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateJoined)
	if c.handler != nil {
		c.handler.ConnectionUp()
	}
	return nil
}

// dialAndJoin establishes the transport and enters the group room.
func (c *Conn) dialAndJoin(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	if _, cancel := c.currentConn(); cancel != nil {
		cancel()
	}

	url := c.host
	if !strings.Contains(url, "://") {
		url = "wss://" + url
	}
	url += "/chat/push"
	c.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}
	c.setConn(conn)
	conn.SetReadLimit(maxFrameBytes)
	c.touchLastMessage()

	return c.join(ctx)
}

// join sends the join frame and waits for the server's acknowledgement.
// Called on initial connect and on every transport-level reconnect, so a
// network blip does not permanently detach the client from the room.
func (c *Conn) join(ctx context.Context) error {
	conn, _ := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	join := joinMessage{
		Type:    "join",
		GroupID: c.groupID,
		UserID:  c.userID,
		Token:   c.token,
	}

	if err := c.writeJSON(ctx, join); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("sending join: %w", err)
	}

	// Read the join ack directly; the reader goroutine starts after.
	var resp joinResponse
	if err := c.readJSON(ctx, &resp); err != nil {
		conn.Close(websocket.StatusInternalError, "join read failed")
		return fmt.Errorf("reading join response: %w", err)
	}

	if resp.Result != "ok" {
		conn.Close(websocket.StatusNormalClosure, "join rejected")
		if resp.Type == EventAuthFailed || strings.Contains(strings.ToLower(resp.Reason), "auth") {
			return fmt.Errorf("auth failed: %s", resp.Reason)
		}
		return fmt.Errorf("join rejected: %s", resp.Reason)
	}

	c.logger.Info("joined group room",
		slog.String("group_id", c.groupID),
		slog.String("user_id", c.userID),
	)
	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch by value so that if startReader is called
// again for a new connection, the old goroutine cannot send stale
// messages into the new channel.
func (c *Conn) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	c.inboundCh = ch
	conn, _ := c.currentConn()
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic rejoin. It dispatches decoded
// push events to the handler and keeps the heartbeat alive. Returns only
// on context cancellation, explicit Disconnect, or a latched auth failure.
func (c *Conn) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	c.setConnCancel(connCancel)
	c.startReader(connCtx)

	for {
		err := c.eventLoop(ctx, connCtx)
		connCancel()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if c.State() == StateDisconnected {
			// Explicit Disconnect closed the connection under us.
			return nil
		}
		if isAuthError(err) {
			c.setState(StateDisconnected)
			c.notifyAuthFailure(err)
			return fmt.Errorf("permanent error: %w", err)
		}

		c.setState(StateRejoining)
		if c.handler != nil {
			c.handler.ConnectionDown(err)
		}

		c.logger.Warn("push channel lost, rejoining",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		for {
			jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.setState(StateDisconnected)
				return ctx.Err()
			case <-timer.C:
			}

			err := c.dialAndJoin(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			if isAuthError(err) {
				c.setState(StateDisconnected)
				c.notifyAuthFailure(err)
				return fmt.Errorf("permanent rejoin error: %w", err)
			}
			c.logger.Warn("rejoin failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)
		}

		// Fresh connection context and reader for the new connection.
		connCtx, connCancel = context.WithCancel(ctx)
		c.setConnCancel(connCancel)
		c.startReader(connCtx)

		backoff = reconnectMin
		metrics.Reconnects.Inc()
		c.setState(StateJoined)
		if c.handler != nil {
			c.handler.ConnectionUp()
		}
		c.logger.Info("rejoined")
	}
}

// eventLoop processes inbound frames and heartbeat ticks for one
// connection. Returns on read error or context cancellation.
func (c *Conn) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			c.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := c.handleInbound(msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")
				if conn, _ := c.currentConn(); conn != nil {
					conn.Close(websocket.StatusGoingAway, "timeout")
				}
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, map[string]string{"type": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes and dispatches a single inbound text frame.
func (c *Conn) handleInbound(data []byte) error {
	typ := gjson.GetBytes(data, "type").Str

	switch typ {
	case "", "pong":
		return nil

	case EventAuthFailed:
		// Mid-session credential rejection. Treated like a join-time auth
		// failure: latch, surface once, drop to API-only mode.
		return fmt.Errorf("auth failed: %s", gjson.GetBytes(data, "reason").Str)

	default:
		var ev PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("failed to decode push event",
				slog.String("type", typ),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if ev.GroupID != "" && ev.GroupID != c.groupID {
			// Frame for a room this session never joined; server-side
			// routing bug. Drop rather than corrupt local state.
			c.logger.Debug("dropping event for foreign group",
				slog.String("group_id", ev.GroupID),
			)
			return nil
		}
		if c.handler != nil {
			c.handler.HandleEvent(ev)
		}
		return nil
	}
}

// Disconnect leaves the room and closes the connection. The leave frame is
// sent only on explicit disconnect, never on transport-level reconnects.
func (c *Conn) Disconnect(ctx context.Context) error {
	if c.State() == StateDisconnected {
		return nil
	}
	c.setState(StateDisconnected)

	conn, cancel := c.currentConn()
	if conn != nil {
		leave := map[string]string{"type": "leave", "group_id": c.groupID, "user_id": c.userID}
		if err := c.writeJSON(ctx, leave); err != nil {
			c.logger.Debug("sending leave", slog.String("error", err.Error()))
		}
	}

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// notifyAuthFailure surfaces an auth failure to the handler exactly once.
func (c *Conn) notifyAuthFailure(err error) {
	c.authFailedMu.Lock()
	already := c.authFailed
	c.authFailed = true
	c.authFailedMu.Unlock()

	if already {
		return
	}
	c.logger.Warn("push channel auth failed, continuing in API-only mode",
		slog.String("error", err.Error()),
	)
	if c.handler != nil {
		c.handler.AuthFailed(err)
	}
}

// AuthFailedOnce reports whether the auth-failure latch is set.
func (c *Conn) AuthFailedOnce() bool {
	c.authFailedMu.Lock()
	defer c.authFailedMu.Unlock()
	return c.authFailed
}

// isAuthError returns true for errors that won't resolve on retry.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "auth failed")
}

func (c *Conn) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// setConn installs the transport for a freshly dialed connection.
func (c *Conn) setConn(conn wsConn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// setConnCancel installs the cancel func for the current connection context.
func (c *Conn) setConnCancel(cancel context.CancelFunc) {
	c.connMu.Lock()
	c.connCancel = cancel
	c.connMu.Unlock()
}

// currentConn snapshots the transport and its cancel func under the guard.
func (c *Conn) currentConn() (wsConn, context.CancelFunc) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn, c.connCancel
}

// writeJSON marshals v to JSON and writes it as a text frame.
func (c *Conn) writeJSON(ctx context.Context, v interface{}) error {
	conn, _ := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v.
// Only called during the join handshake (before the reader starts).
func (c *Conn) readJSON(ctx context.Context, v interface{}) error {
	conn, _ := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	c.touchLastMessage()
	return json.Unmarshal(data, v)
}
