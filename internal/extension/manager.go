// manager.go - the set of live extension connections.
// Accepts websocket upgrades, runs each connection, and binds sessions to
// connections: a session sticks to the connection that last served it and
// falls back to any open connection when its binding dies (one browser can
// serve many sessions; a session never spans two browsers mid-command).
// Also answers discovery: portListRequest envelopes are served from the
// port registry via the portList hook.
package extension

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/logging"
	"github.com/switchyard-mcp/switchyard/internal/session"
	"github.com/switchyard-mcp/switchyard/internal/wire"
)

// upgrader accepts localhost extensions; the broker binds loopback only,
// so origin checks add nothing here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ConnSnapshot is one connection's diagnostic view.
type ConnSnapshot struct {
	ConnectionID    string    `json:"connectionId"`
	State           ConnState `json:"state"`
	Age             string    `json:"age"`
	BoundSessions   []string  `json:"boundSessions,omitempty"`
	PendingRequests int       `json:"pendingRequests"`
}

// Manager owns all extension connections for one broker instance.
type Manager struct {
	instanceID string
	port       int

	ids *wire.IDGenerator

	mu    sync.Mutex
	conns map[string]*Conn

	// onEvent receives unsolicited extension events for routing.
	onEvent func(sessionID, name string, payload json.RawMessage)
	// portList backs discovery responses.
	portList func(ctx context.Context) ([]int, error)

	runCtx context.Context
}

// NewManager builds a manager for the broker at (instanceID, port).
func NewManager(instanceID string, port int) *Manager {
	return &Manager{
		instanceID: instanceID,
		port:       port,
		ids:        &wire.IDGenerator{},
		conns:      make(map[string]*Conn),
		runCtx:     context.Background(),
	}
}

// SetEventHandler routes unsolicited events; install before serving.
func (m *Manager) SetEventHandler(fn func(sessionID, name string, payload json.RawMessage)) {
	m.onEvent = fn
}

// SetPortLister backs the discovery responder; install before serving.
func (m *Manager) SetPortLister(fn func(ctx context.Context) ([]int, error)) {
	m.portList = fn
}

// SetRunContext bounds connection pumps; connections close when it ends.
func (m *Manager) SetRunContext(ctx context.Context) { m.runCtx = ctx }

// HandleUpgrade is the HTTP handler extensions dial.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("extension upgrade failed", "error", err)
		return
	}

	c := newConn(ws, m.instanceID, m.port, connHooks{
		onEvent:  m.routeEvent,
		portList: m.portList,
		onClose:  m.forget,
	})

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()

	go c.Run(m.runCtx)
}

func (m *Manager) routeEvent(sessionID, name string, payload json.RawMessage) {
	if m.onEvent != nil {
		m.onEvent(sessionID, name, payload)
	}
}

func (m *Manager) forget(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID)
	remaining := len(m.conns)
	m.mu.Unlock()
	logging.Infow("extension disconnected", "conn", c.ID, "remaining", remaining)
}

// connFor resolves the connection serving a session: its sticky binding if
// still open, else the oldest open connection, which the session then
// binds to.
func (m *Manager) connFor(sess *session.Session) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id := sess.ConnectionID(); id != "" {
		if c, ok := m.conns[id]; ok && c.State() == StateOpen {
			return c, nil
		}
	}

	var open []*Conn
	for _, c := range m.conns {
		if c.State() == StateOpen {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return nil, brokererr.New(brokererr.KindNoConnection,
			"no extension is connected")
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	c := open[0]
	sess.BindConnection(c.ID)
	c.BindSession(sess.ID)
	return c, nil
}

// Roundtrip sends one command for a session and waits for its correlated
// outcome. The envelope gets a fresh wireId; retries re-enter here so every
// attempt is a fresh id on whatever connection is alive by then.
func (m *Manager) Roundtrip(ctx context.Context, sess *session.Session, name string, payload json.RawMessage, tabID int, timeout time.Duration) (*wire.Envelope, error) {
	c, err := m.connFor(sess)
	if err != nil {
		return nil, err
	}

	env := wire.NewCommand(m.ids, sess.ID, name, payload, tabID)
	ch, cancel, err := c.Send(ctx, env, timeout)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			return out.Env, out.Err
		}
		return out.Env, nil
	case <-ctx.Done():
		cancel()
		// Drain the guaranteed outcome so the waiter channel never leaks.
		out := <-ch
		if out.Err == nil {
			return out.Env, brokererr.Wrap(brokererr.KindCancelled, "caller abandoned call", ctx.Err())
		}
		return out.Env, out.Err
	}
}

// CancelSession fails the session's pending requests on every connection.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Correlator().CancelSession(sessionID)
	}
}

// PendingForSession sums the session's in-flight requests across
// connections.
func (m *Manager) PendingForSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		n += c.Correlator().PendingForSession(sessionID)
	}
	return n
}

// HasOpenConnection reports whether any extension is attached.
func (m *Manager) HasOpenConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.State() == StateOpen {
			return true
		}
	}
	return false
}

// Snapshots returns diagnostic views of all connections.
func (m *Manager) Snapshots() []ConnSnapshot {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	snaps := make([]ConnSnapshot, 0, len(conns))
	for _, c := range conns {
		snaps = append(snaps, ConnSnapshot{
			ConnectionID:    c.ID,
			State:           c.State(),
			Age:             time.Since(c.CreatedAt).Round(time.Second).String(),
			BoundSessions:   c.BoundSessions(),
			PendingRequests: c.Correlator().PendingCount(),
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ConnectionID < snaps[j].ConnectionID })
	return snaps
}

// CloseAll tears down every connection. Shutdown path.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
