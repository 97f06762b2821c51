// scanner.go - the browser-side half of the transport.
// An extension does not know which broker instances exist; it scans the
// fixed port range, dials every endpoint that answers, and keeps each
// connection alive across broker restarts with exponential reconnect
// backoff. Discovery refresh rides portListRequest so a long-lived agent
// learns about brokers that started after its last full scan. The command
// handler is supplied by the embedder; the scanner owns only transport.
package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/switchyard-mcp/switchyard/internal/logging"
	"github.com/switchyard-mcp/switchyard/internal/portreg"
	"github.com/switchyard-mcp/switchyard/internal/wire"
)

const (
	// ReconnectInitialDelay and ReconnectMaxDelay bound the per-port
	// redial backoff.
	ReconnectInitialDelay = 2 * time.Second
	ReconnectMaxDelay     = 30 * time.Second

	// rescanInterval paces full range scans for not-yet-dialled brokers.
	rescanInterval = 15 * time.Second

	// portListRefreshInterval paces discovery refresh on live connections.
	portListRefreshInterval = 60 * time.Second

	dialTimeout = 3 * time.Second
)

// CommandHandler executes one command envelope and returns the response
// envelope to write back. Implementations must echo wireId and sessionId.
type CommandHandler func(ctx context.Context, env *wire.Envelope) *wire.Envelope

// Scanner maintains connections from one browser agent to every reachable
// broker on the host.
type Scanner struct {
	host    string
	path    string
	handler CommandHandler

	mu    sync.Mutex
	conns map[int]*agentConn
	known map[int]struct{}
}

type agentConn struct {
	port       int
	instanceID string
	ws         *websocket.Conn
	writeMu    sync.Mutex
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewScanner builds a scanner dialling 127.0.0.1 brokers at /extension.
func NewScanner(handler CommandHandler) *Scanner {
	s := &Scanner{
		host:    "127.0.0.1",
		path:    "/extension",
		handler: handler,
		conns:   make(map[int]*agentConn),
		known:   make(map[int]struct{}),
	}
	for p := portreg.PortRangeStart; p <= portreg.PortRangeEnd; p++ {
		s.known[p] = struct{}{}
	}
	return s
}

// SetKnownPorts replaces the scan set. Embedders that already know their
// broker's endpoint (tests, fixed-port deployments) skip the full range.
func (s *Scanner) SetKnownPorts(ports ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = make(map[int]struct{}, len(ports))
	for _, p := range ports {
		s.known[p] = struct{}{}
	}
}

// Run scans and maintains connections until ctx ends.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// Connected returns the ports with a live broker connection.
func (s *Scanner) Connected() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.conns))
	for p, c := range s.conns {
		if c != nil {
			out = append(out, p)
		}
	}
	return out
}

// InstanceIDs returns instance ids keyed by port for live connections.
func (s *Scanner) InstanceIDs() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.conns))
	for p, c := range s.conns {
		if c != nil {
			out[p] = c.instanceID
		}
	}
	return out
}

// SendEvent emits an unsolicited event to every connected broker.
func (s *Scanner) SendEvent(sessionID, name string, payload []byte) {
	env := &wire.Envelope{Type: wire.TypeEvent, SessionID: sessionID, Name: name, Payload: payload}
	s.mu.Lock()
	conns := make([]*agentConn, 0, len(s.conns))
	for _, c := range s.conns {
		if c != nil {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.write(env); err != nil {
			logging.Debugw("event write failed", "port", c.port, "error", err)
		}
	}
}

// scan launches a maintainer for every known port without one.
func (s *Scanner) scan(ctx context.Context) {
	s.mu.Lock()
	var start []int
	for p := range s.known {
		if _, connected := s.conns[p]; !connected {
			start = append(start, p)
		}
	}
	s.mu.Unlock()

	for _, port := range start {
		go s.maintain(ctx, port)
	}
}

// maintain dials one port, pumps the connection, and redials with backoff
// until ctx ends. Gives up the maintainer after repeated dial failures;
// the next scan tick starts a fresh one, which keeps at most one
// maintainer per port alive.
func (s *Scanner) maintain(ctx context.Context, port int) {
	if !s.claim(port) {
		return
	}
	defer s.unclaim(port)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectInitialDelay
	b.MaxInterval = ReconnectMaxDelay

	for attempt := 0; attempt < 3; attempt++ {
		if ctx.Err() != nil {
			return
		}
		c, err := s.dial(ctx, port)
		if err != nil {
			delay := b.NextBackOff()
			logging.Debugw("broker dial failed", "port", port, "attempt", attempt+1, "retryIn", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		b.Reset()
		attempt = -1 // successful connection restarts the give-up budget
		s.attach(port, c)
		s.pump(ctx, c)
		s.detach(port, c)
		if ctx.Err() != nil {
			return
		}
		delay := b.NextBackOff()
		logging.Infow("broker connection lost, redialling", "port", port, "retryIn", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// claim/unclaim keep one maintainer per port using a placeholder entry.
func (s *Scanner) claim(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[port]; ok {
		return false
	}
	s.conns[port] = nil
	return true
}

func (s *Scanner) unclaim(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[port]; ok && c == nil {
		delete(s.conns, port)
	}
}

func (s *Scanner) attach(port int, c *agentConn) {
	s.mu.Lock()
	s.conns[port] = c
	s.mu.Unlock()
}

func (s *Scanner) detach(port int, c *agentConn) {
	c.close()
	s.mu.Lock()
	if s.conns[port] == c {
		s.conns[port] = nil
	}
	s.mu.Unlock()
}

// dial connects and completes the hello handshake.
func (s *Scanner) dial(ctx context.Context, port int) (*agentConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s:%d%s", s.host, port, s.path)
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	hello, err := wire.Encode(&wire.Envelope{Type: wire.TypeHello, Wants: "instanceId"})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		_ = ws.Close()
		return nil, err
	}

	_ = ws.SetReadDeadline(time.Now().Add(dialTimeout))
	_, buf, err := ws.ReadMessage()
	_ = ws.SetReadDeadline(time.Time{})
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("reading helloAck: %w", err)
	}
	ack, err := wire.Decode(buf)
	if err != nil || ack.Type != wire.TypeHelloAck {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected handshake reply")
	}

	logging.Infow("connected to broker", "port", port, "instance", ack.InstanceID)
	return &agentConn{
		port:       port,
		instanceID: ack.InstanceID,
		ws:         ws,
		closed:     make(chan struct{}),
	}, nil
}

// pump reads envelopes until the connection dies: each command runs the
// handler on its own goroutine, so commands on different tabs overlap;
// pings answer with pongs, portListResponses widen the known set.
func (s *Scanner) pump(ctx context.Context, c *agentConn) {
	refresh := time.NewTicker(portListRefreshInterval)
	defer refresh.Stop()

	go func() {
		for {
			select {
			case <-refresh.C:
				_ = c.write(&wire.Envelope{Type: wire.TypePortListRequest})
			case <-c.closed:
				return
			case <-ctx.Done():
				c.close()
				return
			}
		}
	}()

	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(buf)
		if err != nil {
			logging.Warnw("agent dropping malformed envelope", "port", c.port, "error", err)
			continue
		}
		switch env.Type {
		case wire.TypeCommand:
			go func(env *wire.Envelope) {
				resp := s.handler(ctx, env)
				if resp == nil {
					resp = &wire.Envelope{
						Type:      wire.TypeResponse,
						WireID:    env.WireID,
						SessionID: env.SessionID,
						Error:     "unknown command " + env.Name,
					}
				}
				if err := c.write(resp); err != nil {
					c.close()
				}
			}(env)
		case wire.TypePing:
			if err := c.write(&wire.Envelope{Type: wire.TypePong, Timestamp: env.Timestamp}); err != nil {
				return
			}
		case wire.TypePortListResponse:
			s.mu.Lock()
			for _, p := range env.Ports {
				s.known[p] = struct{}{}
			}
			s.mu.Unlock()
		case wire.TypePong, wire.TypeHelloAck:
		default:
			logging.Debugw("agent ignoring envelope", "port", c.port, "type", env.Type)
		}
	}
}

func (s *Scanner) closeAll() {
	s.mu.Lock()
	conns := make([]*agentConn, 0, len(s.conns))
	for _, c := range s.conns {
		if c != nil {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (c *agentConn) write(env *wire.Envelope) error {
	buf, err := wire.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, buf)
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
