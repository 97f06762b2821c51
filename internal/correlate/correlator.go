// correlator.go - in-flight request tracking.
// One table per extension connection maps wireId to a waiter. A waiter is
// resolved exactly once: by a matching response, by its deadline timer, by
// connection loss, or by session cancellation. Whichever path wins removes
// the entry under the mutex first, so late arrivals find nothing and are
// dropped with a warning by the caller. Responses arrive in any order;
// correlation is by id alone.
package correlate

import (
	"sync"
	"time"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/wire"
)

// DefaultTimeout bounds a request when the caller does not override it.
const DefaultTimeout = 30 * time.Second

// Outcome is the single resolution of a pending request.
type Outcome struct {
	Env *wire.Envelope
	Err error
}

type waiter struct {
	wireID    int64
	sessionID string
	command   string
	ch        chan Outcome
	timer     *time.Timer
	createdAt time.Time
}

// Correlator matches responses to commands for one connection.
type Correlator struct {
	mu      sync.Mutex
	pending map[int64]*waiter
}

// New builds an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[int64]*waiter)}
}

// Register records a pending request and starts its deadline timer.
// The returned channel receives exactly one Outcome. The returned cancel
// func resolves the waiter with Cancelled if it is still pending; it is
// safe to call after resolution.
func (c *Correlator) Register(wireID int64, sessionID, command string, timeout time.Duration) (<-chan Outcome, func()) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w := &waiter{
		wireID:    wireID,
		sessionID: sessionID,
		command:   command,
		ch:        make(chan Outcome, 1),
		createdAt: time.Now(),
	}
	// Timer assignment happens under the same lock as the insert so any
	// resolver that finds the waiter also sees its timer.
	c.mu.Lock()
	c.pending[wireID] = w
	w.timer = time.AfterFunc(timeout, func() {
		c.resolve(wireID, Outcome{Err: brokererr.New(brokererr.KindMessageTimeout,
			"no response for "+command+" within deadline")})
	})
	c.mu.Unlock()

	cancel := func() {
		c.resolve(wireID, Outcome{Err: brokererr.New(brokererr.KindCancelled,
			command+" cancelled")})
	}
	return w.ch, cancel
}

// Resolve delivers a response envelope to its waiter. Returns false when no
// waiter exists for the wireId (already timed out, cancelled, or never sent).
func (c *Correlator) Resolve(env *wire.Envelope) bool {
	if env.Error != "" {
		return c.resolve(env.WireID, Outcome{Env: env, Err: brokererr.FromExtension(env.Error)})
	}
	return c.resolve(env.WireID, Outcome{Env: env})
}

// FailAll resolves every pending waiter with a retryable ConnectionClosed
// error. Called when the connection drops.
func (c *Correlator) FailAll(reason string) {
	c.mu.Lock()
	waiters := make([]*waiter, 0, len(c.pending))
	for _, w := range c.pending {
		waiters = append(waiters, w)
	}
	c.pending = make(map[int64]*waiter)
	c.mu.Unlock()

	for _, w := range waiters {
		w.timer.Stop()
		w.ch <- Outcome{Err: brokererr.New(brokererr.KindConnectionClosed, reason)}
	}
}

// CancelSession resolves every pending waiter belonging to the session with
// Cancelled. Called when a session is destroyed.
func (c *Correlator) CancelSession(sessionID string) {
	c.mu.Lock()
	var waiters []*waiter
	for id, w := range c.pending {
		if w.sessionID == sessionID {
			waiters = append(waiters, w)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, w := range waiters {
		w.timer.Stop()
		w.ch <- Outcome{Err: brokererr.New(brokererr.KindCancelled, "session destroyed")}
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingForSession returns the number of in-flight requests for a session.
func (c *Correlator) PendingForSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.pending {
		if w.sessionID == sessionID {
			n++
		}
	}
	return n
}

// resolve removes the waiter and delivers the outcome. Exactly-once: the
// delete under the mutex decides the winner; losers find no entry.
func (c *Correlator) resolve(wireID int64, out Outcome) bool {
	c.mu.Lock()
	w, ok := c.pending[wireID]
	if ok {
		delete(c.pending, wireID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- out
	return true
}
