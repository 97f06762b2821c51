// conn.go - one extension's persistent duplex channel.
// The broker accepts the websocket, waits for the hello handshake, then
// runs a read pump and a write pump. All writes flow through sendCh so the
// socket has a single writer. An envelope-level ping goes out every
// PingInterval; missed pongs are logged, not fatal, because transport
// keepalive owns liveness. On close the per-connection correlator fails
// every pending request with a retryable ConnectionClosed.
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/correlate"
	"github.com/switchyard-mcp/switchyard/internal/logging"
	"github.com/switchyard-mcp/switchyard/internal/wire"
)

// ConnState is the connection lifecycle phase.
type ConnState string

const (
	// StateConnecting means the socket is up but hello has not arrived.
	StateConnecting ConnState = "connecting"
	// StateOpen means the handshake completed; envelopes flow.
	StateOpen ConnState = "open"
	// StateClosing means Close was requested; writes are draining.
	StateClosing ConnState = "closing"
	// StateClosed means the socket is gone.
	StateClosed ConnState = "closed"
)

const (
	// PingInterval paces envelope-level pings on an open connection.
	PingInterval = 30 * time.Second

	// handshakeTimeout bounds the wait for the hello frame.
	handshakeTimeout = 10 * time.Second

	// sendQueueSize buffers outbound envelopes so dispatchers rarely block.
	sendQueueSize = 32

	writeTimeout = 10 * time.Second
)

// connHooks are the manager's callbacks out of a connection's pumps.
type connHooks struct {
	// onEvent routes an unsolicited event envelope.
	onEvent func(sessionID, name string, payload json.RawMessage)
	// onResponse is consulted before the local correlator, for diagnostics.
	// May be nil.
	onResponse func(c *Conn, env *wire.Envelope)
	// portList supplies active broker ports for discovery responses.
	portList func(ctx context.Context) ([]int, error)
	// onClose runs once when the connection dies.
	onClose func(c *Conn)
}

// Conn is one browser extension's channel.
type Conn struct {
	ID        string
	CreatedAt time.Time

	ws    *websocket.Conn
	corr  *correlate.Correlator
	hooks connHooks

	instanceID string
	port       int

	sendCh  chan *wire.Envelope
	closeCh chan struct{}

	mu            sync.Mutex
	state         ConnState
	boundSessions map[string]struct{}
	lastPongAt    time.Time

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, instanceID string, port int, hooks connHooks) *Conn {
	return &Conn{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now(),
		ws:            ws,
		corr:          correlate.New(),
		hooks:         hooks,
		instanceID:    instanceID,
		port:          port,
		sendCh:        make(chan *wire.Envelope, sendQueueSize),
		closeCh:       make(chan struct{}),
		state:         StateConnecting,
		boundSessions: make(map[string]struct{}),
	}
}

// State returns the lifecycle phase.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Correlator exposes the per-connection pending-request table.
func (c *Conn) Correlator() *correlate.Correlator { return c.corr }

// BindSession records that a session is multiplexed on this connection.
func (c *Conn) BindSession(sessionID string) {
	c.mu.Lock()
	c.boundSessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

// BoundSessions returns the sessions multiplexed on this connection.
func (c *Conn) BoundSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.boundSessions))
	for id := range c.boundSessions {
		out = append(out, id)
	}
	return out
}

// Run performs the handshake and pumps the connection until it dies.
// Blocks; callers run it in a goroutine per connection.
func (c *Conn) Run(ctx context.Context) {
	if err := c.handshake(); err != nil {
		logging.Warnw("extension handshake failed", "conn", c.ID, "error", err)
		c.Close()
		return
	}

	c.mu.Lock()
	c.state = StateOpen
	c.lastPongAt = time.Now()
	c.mu.Unlock()
	logging.Infow("extension connected", "conn", c.ID)

	go c.writePump(ctx)
	go c.pingLoop(ctx)
	c.readPump(ctx)
}

// handshake waits for {type:"hello"} and answers with helloAck carrying
// this broker's identity, so the extension can tell instances apart.
func (c *Conn) handshake() error {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	env, err := wire.Decode(buf)
	if err != nil {
		return fmt.Errorf("decoding hello: %w", err)
	}
	if env.Type != wire.TypeHello {
		return fmt.Errorf("expected hello, got %q", env.Type)
	}

	ack, err := wire.Encode(&wire.Envelope{
		Type:       wire.TypeHelloAck,
		InstanceID: c.instanceID,
		Port:       c.port,
	})
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, ack); err != nil {
		return fmt.Errorf("writing helloAck: %w", err)
	}
	return nil
}

// Send registers the command with the correlator and queues the write.
// The returned channel resolves exactly once; cancel abandons the waiter.
func (c *Conn) Send(ctx context.Context, env *wire.Envelope, timeout time.Duration) (<-chan correlate.Outcome, func(), error) {
	if c.State() != StateOpen {
		return nil, nil, brokererr.New(brokererr.KindNoConnection,
			"extension connection is not open")
	}

	ch, cancel := c.corr.Register(env.WireID, env.SessionID, env.Name, timeout)
	select {
	case c.sendCh <- env:
		return ch, cancel, nil
	case <-c.closeCh:
		cancel()
		return nil, nil, brokererr.New(brokererr.KindConnectionClosed,
			"extension connection closed before send")
	case <-ctx.Done():
		cancel()
		return nil, nil, brokererr.Wrap(brokererr.KindCancelled, "send abandoned", ctx.Err())
	}
}

// enqueue queues a control envelope (ping, portListResponse) without
// correlation. Drops when the connection is gone; control frames are
// best-effort.
func (c *Conn) enqueue(env *wire.Envelope) {
	select {
	case c.sendCh <- env:
	case <-c.closeCh:
	}
}

func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case env := <-c.sendCh:
			buf, err := wire.Encode(env)
			if err != nil {
				logging.Errorw("dropping unencodable envelope",
					"conn", c.ID, "type", env.Type, "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
				logging.Warnw("extension write failed", "conn", c.ID, "error", err)
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				c.State() == StateClosing {
				logging.Debugw("extension connection closed", "conn", c.ID)
			} else {
				logging.Warnw("extension read failed", "conn", c.ID, "error", err)
			}
			return
		}

		env, err := wire.Decode(buf)
		if err != nil {
			logging.Warnw("dropping malformed envelope", "conn", c.ID, "error", err)
			continue
		}
		c.dispatch(ctx, env)
	}
}

// dispatch routes one inbound envelope by type.
func (c *Conn) dispatch(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeResponse:
		if c.hooks.onResponse != nil {
			c.hooks.onResponse(c, env)
		}
		if !c.corr.Resolve(env) {
			logging.Warnw("dropping unmatched response",
				"conn", c.ID, "wireId", env.WireID)
		}
	case wire.TypeEvent:
		if c.hooks.onEvent != nil {
			c.hooks.onEvent(env.SessionID, env.Name, env.Payload)
		}
	case wire.TypePong:
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
	case wire.TypePing:
		c.enqueue(&wire.Envelope{Type: wire.TypePong, Timestamp: env.Timestamp})
	case wire.TypePortListRequest:
		c.respondPortList(ctx)
	default:
		logging.Warnw("dropping unexpected envelope",
			"conn", c.ID, "type", env.Type)
	}
}

func (c *Conn) respondPortList(ctx context.Context) {
	if c.hooks.portList == nil {
		c.enqueue(&wire.Envelope{Type: wire.TypePortListResponse, Ports: []int{c.port}})
		return
	}
	ports, err := c.hooks.portList(ctx)
	if err != nil {
		logging.Warnw("port list lookup failed", "conn", c.ID, "error", err)
		ports = []int{c.port}
	}
	c.enqueue(&wire.Envelope{Type: wire.TypePortListResponse, Ports: ports})
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.enqueue(&wire.Envelope{
				Type:      wire.TypePing,
				Timestamp: time.Now().UnixMilli(),
			})
			c.mu.Lock()
			silent := time.Since(c.lastPongAt)
			c.mu.Unlock()
			if silent > 2*PingInterval {
				logging.Warnw("extension silent past two ping intervals",
					"conn", c.ID, "silentFor", silent)
			}
		case <-c.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close tears the connection down once: state moves to Closed, the socket
// closes, and every pending request fails retryably.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.closeCh)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.corr.FailAll("extension connection closed")
		if c.hooks.onClose != nil {
			c.hooks.onClose(c)
		}
	})
}
