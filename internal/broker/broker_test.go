package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/extension"
	"github.com/switchyard-mcp/switchyard/internal/retry"
	"github.com/switchyard-mcp/switchyard/internal/wire"
)

// scriptedExtension runs a real Scanner against the broker's websocket
// endpoint with per-command scripted behavior.
type scriptedExtension struct {
	t       *testing.T
	scanner *extension.Scanner
	cancel  context.CancelFunc

	mu         sync.Mutex
	responders map[string]func(env *wire.Envelope) *wire.Envelope
	nextTab    atomic.Int64

	// concurrency probe: active commands per tab.
	activeMu sync.Mutex
	active   map[int]int
	overlaps int
}

func (s *scriptedExtension) respondTo(name string, fn func(env *wire.Envelope) *wire.Envelope) {
	s.mu.Lock()
	s.responders[name] = fn
	s.mu.Unlock()
}

func (s *scriptedExtension) handle(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	tab := env.TabID
	if tab != 0 {
		s.activeMu.Lock()
		s.active[tab]++
		if s.active[tab] > 1 {
			s.overlaps++
		}
		s.activeMu.Unlock()
		defer func() {
			s.activeMu.Lock()
			s.active[tab]--
			s.activeMu.Unlock()
		}()
	}

	s.mu.Lock()
	fn := s.responders[env.Name]
	s.mu.Unlock()
	if fn != nil {
		return fn(env)
	}

	// Default: succeed, creating a tab when none was targeted.
	if tab == 0 {
		tab = int(s.nextTab.Add(1)) + 100
	}
	time.Sleep(5 * time.Millisecond) // command execution takes time
	data, _ := json.Marshal(map[string]any{"ok": true, "tabId": tab})
	return &wire.Envelope{
		Type:      wire.TypeResponse,
		WireID:    env.WireID,
		SessionID: env.SessionID,
		Data:      data,
	}
}

func (s *scriptedExtension) overlapCount() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.overlaps
}

func fastRetry() retry.Config {
	return retry.Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   2,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	cfg.CommandTimeout = 5 * time.Second
	cfg.LockTimeout = 5 * time.Second
	return cfg
}

// newTestBroker starts a broker with a scripted extension attached.
func newTestBroker(t *testing.T, cfg Config) (*Broker, *scriptedExtension) {
	t.Helper()
	b := New(cfg, "inst-test", 0, nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(b.Connections().HandleUpgrade))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	ext := &scriptedExtension{
		t:          t,
		responders: make(map[string]func(*wire.Envelope) *wire.Envelope),
		active:     make(map[int]int),
	}
	ext.scanner = extension.NewScanner(ext.handle)
	ext.scanner.SetKnownPorts(port)

	ctx, cancel := context.WithCancel(context.Background())
	ext.cancel = cancel
	t.Cleanup(cancel)
	go ext.scanner.Run(ctx)

	require.Eventually(t, b.Connections().HasOpenConnection, 5*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return b, ext
}

func TestDispatchCreatesTabWhenSessionHasNone(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, testConfig())
	res := b.Dispatch(context.Background(), "sess-1", "browser_navigate",
		json.RawMessage(`{"url":"https://example.com"}`), 0)
	require.True(t, res.OK, "details: %s", res.Details)
	assert.Equal(t, 1, res.Attempts)
	assert.NotZero(t, res.TabID)

	sess, ok := b.Sessions().Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, res.TabID, sess.LastFocusedTab())
	assert.True(t, sess.OwnsTab(res.TabID))

	// The next command reuses the focused tab.
	res2 := b.Dispatch(context.Background(), "sess-1", "dom.click",
		json.RawMessage(`{"ref":"e1"}`), 0)
	require.True(t, res2.OK)
	assert.Equal(t, res.TabID, res2.TabID)
}

func TestTwoSessionsOneTabFIFO(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())

	var mu sync.Mutex
	var completed []string
	run := func(sessionID string, wg *sync.WaitGroup) {
		defer wg.Done()
		res := b.Dispatch(context.Background(), sessionID, "dom.click",
			json.RawMessage(`{"ref":"e1"}`), 5)
		require.True(t, res.OK, "session %s: %s", sessionID, res.Details)
		mu.Lock()
		completed = append(completed, sessionID)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go run("sess-a", &wg)
	// Let A claim the lock first so the FIFO expectation is deterministic.
	require.Eventually(t, func() bool {
		holder, held := b.Locks().Holder(5)
		return held && holder == "sess-a"
	}, 2*time.Second, time.Millisecond)
	go run("sess-b", &wg)
	wg.Wait()

	assert.Equal(t, []string{"sess-a", "sess-b"}, completed)
	assert.Zero(t, ext.overlapCount(), "two commands in flight on one tab")

	_, held := b.Locks().Holder(5)
	assert.False(t, held)
}

func TestRetryOnTransientError(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())

	var calls atomic.Int32
	ext.respondTo("dom.click", func(env *wire.Envelope) *wire.Envelope {
		if calls.Add(1) == 1 {
			return &wire.Envelope{
				Type:      wire.TypeResponse,
				WireID:    env.WireID,
				SessionID: env.SessionID,
				Error:     "network timeout",
			}
		}
		data, _ := json.Marshal(map[string]any{"ok": true, "tabId": env.TabID})
		return &wire.Envelope{Type: wire.TypeResponse, WireID: env.WireID, SessionID: env.SessionID, Data: data}
	})

	res := b.Dispatch(context.Background(), "sess-1", "dom.click",
		json.RawMessage(`{"ref":"e1"}`), 3)
	require.True(t, res.OK, res.Details)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())

	var calls atomic.Int32
	ext.respondTo("dom.click", func(env *wire.Envelope) *wire.Envelope {
		calls.Add(1)
		return &wire.Envelope{WireID: env.WireID, Error: "element not found"}
	})

	res := b.Dispatch(context.Background(), "sess-1", "dom.click",
		json.RawMessage(`{"ref":"bogus"}`), 4)
	require.False(t, res.OK)
	assert.Equal(t, brokererr.KindExtensionError, res.Kind)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	// The lock is released and the session survives.
	_, held := b.Locks().Holder(4)
	assert.False(t, held)
	assert.True(t, b.Sessions().Live("sess-1"))

	res2 := b.Dispatch(context.Background(), "sess-1", "browser_navigate", nil, 4)
	assert.True(t, res2.OK)
}

func TestRetriesExhaustedSurfaceMaxRetries(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())
	ext.respondTo("dom.click", func(env *wire.Envelope) *wire.Envelope {
		return &wire.Envelope{WireID: env.WireID, Error: "temporarily busy"}
	})

	res := b.Dispatch(context.Background(), "sess-1", "dom.click", nil, 2)
	require.False(t, res.OK)
	assert.Equal(t, brokererr.KindMaxRetriesExceeded, res.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Details, "temporarily busy")
}

func TestUnknownCommandNamesAreForwarded(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())
	seen := make(chan string, 1)
	ext.respondTo("future.shiny_command", func(env *wire.Envelope) *wire.Envelope {
		seen <- env.Name
		data, _ := json.Marshal(map[string]any{"ok": true})
		return &wire.Envelope{Type: wire.TypeResponse, WireID: env.WireID, SessionID: env.SessionID, Data: data}
	})

	res := b.Dispatch(context.Background(), "sess-1", "future.shiny_command", nil, 8)
	require.True(t, res.OK)
	assert.Equal(t, "future.shiny_command", <-seen)
}

func TestTabsCloseDropsOwnership(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, testConfig())
	res := b.Dispatch(context.Background(), "sess-1", "tabs.new", nil, 0)
	require.True(t, res.OK)
	tab := res.TabID

	sess, _ := b.Sessions().Get("sess-1")
	require.True(t, sess.OwnsTab(tab))

	res = b.Dispatch(context.Background(), "sess-1", "tabs.close", nil, tab)
	require.True(t, res.OK)
	assert.False(t, sess.OwnsTab(tab))
	assert.Zero(t, sess.LastFocusedTab())
}

func TestForeignTabAdoptionConfigurable(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AdoptForeignTabs = false
	b, ext := newTestBroker(t, cfg)

	// The extension answers with a tab the session never asked for.
	ext.respondTo("dom.click", func(env *wire.Envelope) *wire.Envelope {
		data, _ := json.Marshal(map[string]any{"ok": true, "tabId": 777})
		return &wire.Envelope{Type: wire.TypeResponse, WireID: env.WireID, SessionID: env.SessionID, Data: data}
	})

	res := b.Dispatch(context.Background(), "sess-1", "dom.click", nil, 6)
	require.True(t, res.OK)
	sess, _ := b.Sessions().Get("sess-1")
	assert.False(t, sess.OwnsTab(777))

	// The result still reports the tab the extension answered from.
	assert.Equal(t, 777, res.TabID)
}

func TestSessionDestroyCancelsInflightAndReleasesLocks(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ext.respondTo("dom.click", func(env *wire.Envelope) *wire.Envelope {
		started <- struct{}{}
		<-release
		data, _ := json.Marshal(map[string]any{"ok": true})
		return &wire.Envelope{Type: wire.TypeResponse, WireID: env.WireID, SessionID: env.SessionID, Data: data}
	})
	defer close(release)

	done := make(chan Result, 1)
	go func() {
		done <- b.Dispatch(context.Background(), "victim", "dom.click", nil, 9)
	}()
	<-started

	b.DestroySession("victim")

	select {
	case res := <-done:
		require.False(t, res.OK)
		assert.Equal(t, brokererr.KindCancelled, res.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight dispatch not cancelled by session destroy")
	}

	_, held := b.Locks().Holder(9)
	assert.False(t, held)
	assert.False(t, b.Sessions().Live("victim"))
}

func TestExtensionReconnectMidOperation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	// Leave room for the scanner's 2 s reconnect backoff.
	cfg.Retry = retry.Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxRetries:   4,
	}
	b, ext := newTestBroker(t, cfg)

	var calls atomic.Int32
	ext.respondTo("dom.click", func(env *wire.Envelope) *wire.Envelope {
		if calls.Add(1) == 1 {
			// Simulate the browser dying mid-command: drop the socket
			// instead of answering.
			b.Connections().CloseAll()
			return nil
		}
		data, _ := json.Marshal(map[string]any{"ok": true, "tabId": env.TabID})
		return &wire.Envelope{Type: wire.TypeResponse, WireID: env.WireID, SessionID: env.SessionID, Data: data}
	})

	res := b.Dispatch(context.Background(), "sess-1", "dom.click", nil, 2)
	require.True(t, res.OK, res.Details)
	assert.GreaterOrEqual(t, res.Attempts, 2)
}

func TestEventsLandInSessionBuffer(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())

	// Events only route to known sessions.
	res := b.Dispatch(context.Background(), "sess-1", "browser_navigate", nil, 0)
	require.True(t, res.OK)

	ext.scanner.SendEvent("sess-1", "page.console", []byte(`{"level":"warn"}`))
	require.Eventually(t, func() bool {
		s, _ := b.Sessions().Get("sess-1")
		return s.Events().Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	events := b.DrainEvents("sess-1")
	require.Len(t, events, 1)
	assert.Equal(t, "page.console", events[0].Name)
	assert.Empty(t, b.DrainEvents("sess-1"))
}

func TestHealthSnapshot(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, testConfig())
	res := b.Dispatch(context.Background(), "sess-1", "browser_navigate", nil, 0)
	require.True(t, res.OK)

	h := b.HealthSnapshot(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "inst-test", h.InstanceID)
	require.Len(t, h.Sessions, 1)
	assert.Equal(t, "sess-1", h.Sessions[0].SessionID)
	assert.NotEmpty(t, h.Sessions[0].OwnedTabs)
	require.Len(t, h.Connections, 1)
	assert.Equal(t, extension.StateOpen, h.Connections[0].State)
	assert.Empty(t, h.Locks)
}

func TestNoConnectionFailure(t *testing.T) {
	t.Parallel()

	b := New(testConfig(), "inst-test", 0, nil, nil)
	res := b.Dispatch(context.Background(), "sess-1", "dom.click", nil, 1)
	require.False(t, res.OK)
	assert.Equal(t, brokererr.KindMaxRetriesExceeded, res.Kind)
	assert.Contains(t, res.Details, "no extension is connected")
}

func TestSessionsOnDisjointTabsRunConcurrently(t *testing.T) {
	t.Parallel()

	b, ext := newTestBroker(t, testConfig())

	var peak atomic.Int32
	var current atomic.Int32
	ext.respondTo("dom.hover", func(env *wire.Envelope) *wire.Envelope {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
		data, _ := json.Marshal(map[string]any{"ok": true, "tabId": env.TabID})
		return &wire.Envelope{Type: wire.TypeResponse, WireID: env.WireID, SessionID: env.SessionID, Data: data}
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res := b.Dispatch(context.Background(), "sess-"+strconv.Itoa(n), "dom.hover", nil, 20+n)
			require.True(t, res.OK)
		}(i)
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int32(1), "disjoint tabs should overlap")
}
