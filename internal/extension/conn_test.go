package extension

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/session"
	"github.com/switchyard-mcp/switchyard/internal/wire"
)

// fakeExtension is a raw websocket client speaking the envelope protocol.
type fakeExtension struct {
	t  *testing.T
	ws *websocket.Conn

	mu sync.Mutex
}

func dialFakeExtension(t *testing.T, serverURL string) *fakeExtension {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	f := &fakeExtension{t: t, ws: ws}
	t.Cleanup(func() { _ = ws.Close() })
	return f
}

func (f *fakeExtension) send(env *wire.Envelope) {
	f.t.Helper()
	buf, err := wire.Encode(env)
	require.NoError(f.t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(f.t, f.ws.WriteMessage(websocket.TextMessage, buf))
}

func (f *fakeExtension) recv() *wire.Envelope {
	f.t.Helper()
	require.NoError(f.t, f.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, buf, err := f.ws.ReadMessage()
	require.NoError(f.t, err)
	env, err := wire.Decode(buf)
	require.NoError(f.t, err)
	return env
}

// handshake performs the hello exchange and returns the helloAck.
func (f *fakeExtension) handshake() *wire.Envelope {
	f.send(&wire.Envelope{Type: wire.TypeHello, Wants: "instanceId"})
	ack := f.recv()
	require.Equal(f.t, wire.TypeHelloAck, ack.Type)
	return ack
}

func newTestManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	m := NewManager("inst-test", 8765)
	srv := httptest.NewServer(http.HandlerFunc(m.HandleUpgrade))
	t.Cleanup(srv.Close)
	t.Cleanup(m.CloseAll)
	return m, srv
}

func waitForOpenConn(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.HasOpenConnection() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("extension connection never opened")
}

func TestHandshakeAndRoundtrip(t *testing.T) {
	t.Parallel()

	m, srv := newTestManager(t)
	ext := dialFakeExtension(t, srv.URL)
	ack := ext.handshake()
	assert.Equal(t, "inst-test", ack.InstanceID)
	assert.Equal(t, 8765, ack.Port)
	waitForOpenConn(t, m)

	reg := session.NewRegistry()
	sess, _ := reg.GetOrCreate("sess-1")

	// The extension echoes a success with an authoritative tabId.
	go func() {
		cmd := ext.recv()
		require.Equal(t, wire.TypeCommand, cmd.Type)
		require.Equal(t, "browser_navigate", cmd.Name)
		ext.send(&wire.Envelope{
			Type:      wire.TypeResponse,
			WireID:    cmd.WireID,
			SessionID: cmd.SessionID,
			Data:      json.RawMessage(`{"ok":true,"tabId":7}`),
		})
	}()

	env, err := m.Roundtrip(context.Background(), sess,
		"browser_navigate", json.RawMessage(`{"url":"https://example.com"}`), 0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, env.TabIDOf())
	assert.Equal(t, sess.ConnectionID(), m.Snapshots()[0].ConnectionID)
}

func TestRoundtripWithoutConnection(t *testing.T) {
	t.Parallel()

	m := NewManager("inst-test", 8765)
	reg := session.NewRegistry()
	sess, _ := reg.GetOrCreate("sess-1")

	_, err := m.Roundtrip(context.Background(), sess, "dom.click", nil, 1, time.Second)
	require.Error(t, err)
	assert.Equal(t, brokererr.KindNoConnection, brokererr.KindOf(err))
	assert.True(t, brokererr.IsRetryable(err))
}

func TestExtensionErrorResponse(t *testing.T) {
	t.Parallel()

	m, srv := newTestManager(t)
	ext := dialFakeExtension(t, srv.URL)
	ext.handshake()
	waitForOpenConn(t, m)

	reg := session.NewRegistry()
	sess, _ := reg.GetOrCreate("sess-1")

	go func() {
		cmd := ext.recv()
		ext.send(&wire.Envelope{WireID: cmd.WireID, Error: "element not found"})
	}()

	_, err := m.Roundtrip(context.Background(), sess, "dom.click",
		json.RawMessage(`{"ref":"e1"}`), 0, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, brokererr.KindExtensionError, brokererr.KindOf(err))
	assert.False(t, brokererr.IsRetryable(err))
}

func TestConnectionLossFailsInflight(t *testing.T) {
	t.Parallel()

	m, srv := newTestManager(t)
	ext := dialFakeExtension(t, srv.URL)
	ext.handshake()
	waitForOpenConn(t, m)

	reg := session.NewRegistry()
	sess, _ := reg.GetOrCreate("sess-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Roundtrip(context.Background(), sess, "dom.click", nil, 0, 30*time.Second)
		errCh <- err
	}()

	// Wait until the command reaches the extension, then drop the socket.
	ext.recv()
	ext.ws.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, brokererr.KindConnectionClosed, brokererr.KindOf(err))
		assert.True(t, brokererr.IsRetryable(err))
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request not failed on connection loss")
	}
}

func TestEventRouting(t *testing.T) {
	t.Parallel()

	m, srv := newTestManager(t)

	type evt struct {
		session, name string
	}
	events := make(chan evt, 1)
	m.SetEventHandler(func(sessionID, name string, payload json.RawMessage) {
		events <- evt{sessionID, name}
	})

	ext := dialFakeExtension(t, srv.URL)
	ext.handshake()
	waitForOpenConn(t, m)

	ext.send(&wire.Envelope{
		Type:      wire.TypeEvent,
		SessionID: "sess-1",
		Name:      "page.console",
		Payload:   json.RawMessage(`{"level":"error"}`),
	})

	select {
	case e := <-events:
		assert.Equal(t, "sess-1", e.session)
		assert.Equal(t, "page.console", e.name)
	case <-time.After(2 * time.Second):
		t.Fatal("event never routed")
	}
}

func TestDiscoveryResponder(t *testing.T) {
	t.Parallel()

	m, srv := newTestManager(t)
	m.SetPortLister(func(context.Context) ([]int, error) {
		return []int{8765, 8767}, nil
	})

	ext := dialFakeExtension(t, srv.URL)
	ext.handshake()
	waitForOpenConn(t, m)

	ext.send(&wire.Envelope{Type: wire.TypePortListRequest})
	resp := ext.recv()
	assert.Equal(t, wire.TypePortListResponse, resp.Type)
	assert.Equal(t, []int{8765, 8767}, resp.Ports)
}

func TestPingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	m, srv := newTestManager(t)
	ext := dialFakeExtension(t, srv.URL)
	ext.handshake()
	waitForOpenConn(t, m)

	ext.send(&wire.Envelope{Type: wire.TypePing, Timestamp: 12345})
	pong := ext.recv()
	assert.Equal(t, wire.TypePong, pong.Type)
	assert.Equal(t, int64(12345), pong.Timestamp)
}

func TestStickySessionBinding(t *testing.T) {
	t.Parallel()

	m, srv := newTestManager(t)

	extA := dialFakeExtension(t, srv.URL)
	extA.handshake()
	waitForOpenConn(t, m)
	extB := dialFakeExtension(t, srv.URL)
	extB.handshake()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(m.Snapshots()) < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Len(t, m.Snapshots(), 2)

	reg := session.NewRegistry()
	sess, _ := reg.GetOrCreate("sess-1")

	respond := func(ext *fakeExtension) {
		cmd := ext.recv()
		ext.send(&wire.Envelope{
			Type:   wire.TypeResponse,
			WireID: cmd.WireID,
			Data:   json.RawMessage(`{"tabId":` + strconv.Itoa(int(cmd.WireID)) + `}`),
		})
	}

	// First roundtrip binds the session to the oldest connection; the
	// second must land on the same one.
	served := make(chan struct{}, 2)
	go func() {
		respond(extA)
		served <- struct{}{}
		respond(extA)
		served <- struct{}{}
	}()

	_, err := m.Roundtrip(context.Background(), sess, "tabs.new", nil, 0, 5*time.Second)
	require.NoError(t, err)
	first := sess.ConnectionID()
	require.NotEmpty(t, first)

	_, err = m.Roundtrip(context.Background(), sess, "dom.click", nil, 0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, sess.ConnectionID())
	<-served
	<-served
}
