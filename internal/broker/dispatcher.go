// dispatcher.go - the single entry point for client calls.
// Dispatch resolves the session, picks the target tab, serializes on the
// tab lock, and drives the retried round-trip to the extension. Within one
// session commands on a tab are strictly ordered by the lock; sessions on
// disjoint tabs run concurrently. Every failure path releases the lock and
// leaves no waiter behind, and every outcome lands in a uniform Result.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/retry"
	"github.com/switchyard-mcp/switchyard/internal/session"
	"github.com/switchyard-mcp/switchyard/internal/wire"
)

// Result is the uniform structured outcome returned to the client surface.
type Result struct {
	OK        bool            `json:"ok"`
	Kind      brokererr.Kind  `json:"kind,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Details   string          `json:"details,omitempty"`
	Attempts  int             `json:"attempts"`
	TabID     int             `json:"tabId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Dispatch routes one client call: locate or create the session, resolve
// the target tab, take the tab lock, round-trip with retries, record
// ownership, release. explicitTab of 0 means "no explicit target".
func (b *Broker) Dispatch(ctx context.Context, sessionID, command string, params json.RawMessage, explicitTab int) Result {
	sess, _ := b.sessions.GetOrCreate(sessionID)
	sess.Touch()

	tabID := b.resolveTab(sess, explicitTab)

	if tabID != 0 {
		if holder, held := b.locks.Holder(tabID); held && holder != sessionID {
			b.metrics.CountLockWait()
		}
		if err := b.locks.Acquire(ctx, sessionID, tabID, b.cfg.LockTimeout); err != nil {
			if brokererr.KindOf(err) == brokererr.KindLockAcquireTimeout {
				b.metrics.CountLockTimeout()
			}
			return b.failure(err, 0)
		}
		defer b.locks.Release(sessionID, tabID)
	}

	env, attempts, err := retry.Do(ctx, b.cfg.Retry, func(attempt int) (*wire.Envelope, error) {
		return b.conns.Roundtrip(ctx, sess, command, params, tabID, b.cfg.CommandTimeout)
	})
	b.metrics.CountRetries(attempts)
	if err != nil {
		b.metrics.CountCommand("error")
		return b.failure(err, attempts)
	}

	sess.MarkActive()
	respTab := env.TabIDOf()
	b.recordResponseTab(sess, command, tabID, respTab)

	b.metrics.CountCommand("ok")
	return Result{
		OK:       true,
		Attempts: attempts,
		TabID:    respTab,
		Data:     env.Data,
	}
}

// resolveTab picks the command's target: explicit tab, then the session's
// last focused tab, then none, which tells the extension to create one and
// report its id.
func (b *Broker) resolveTab(sess *session.Session, explicitTab int) int {
	if explicitTab != 0 {
		return explicitTab
	}
	return sess.LastFocusedTab()
}

// recordResponseTab updates ownership from the authoritative response
// tabId. Closing drops ownership; anything else records it, subject to the
// foreign-tab adoption policy.
func (b *Broker) recordResponseTab(sess *session.Session, command string, sentTab, respTab int) {
	if command == "tabs.close" {
		closed := respTab
		if closed == 0 {
			closed = sentTab
		}
		sess.RemoveTab(closed)
		return
	}
	if respTab == 0 {
		return
	}
	if b.cfg.AdoptForeignTabs || respTab == sentTab || sess.OwnsTab(respTab) {
		sess.RecordTab(respTab)
	}
}

// failure translates an error into the uniform Result. Nothing is
// swallowed: unknown errors surface as extension errors with their text.
func (b *Broker) failure(err error, attempts int) Result {
	var be *brokererr.Error
	if !errors.As(err, &be) {
		be = brokererr.Wrap(brokererr.KindExtensionError, "unclassified failure", err)
	}
	res := Result{
		Kind:      be.Kind,
		Retryable: be.Retryable(),
		Details:   be.Error(),
		Attempts:  attempts,
	}
	if be.Attempts > 0 {
		res.Attempts = be.Attempts
	}
	return res
}

// DrainEvents returns and clears the session's buffered extension events.
func (b *Broker) DrainEvents(sessionID string) []session.Event {
	s, ok := b.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	return s.Events().Drain()
}

// CallContext derives a call-scoped context for the client surface,
// bounded by the command timeout plus worst-case lock wait and retries.
func (b *Broker) CallContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := b.cfg.LockTimeout + b.cfg.CommandTimeout*time.Duration(b.cfg.Retry.MaxRetries+1) + 10*time.Second
	return context.WithTimeout(ctx, budget)
}
