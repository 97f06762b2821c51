// health.go - the read-only diagnostic snapshot.
// Aggregates every registry's view into one structure for /healthz and the
// status CLI. Snapshot reads take each component's own lock briefly; the
// result is a consistent-enough view for diagnostics, not a transaction.
package broker

import (
	"context"

	"github.com/switchyard-mcp/switchyard/internal/extension"
	"github.com/switchyard-mcp/switchyard/internal/logging"
	"github.com/switchyard-mcp/switchyard/internal/portreg"
	"github.com/switchyard-mcp/switchyard/internal/session"
	"github.com/switchyard-mcp/switchyard/internal/tablock"
)

// SessionHealth augments a session snapshot with its in-flight count.
type SessionHealth struct {
	session.Snapshot
	PendingRequests int `json:"pendingRequests"`
}

// Health is the broker's full diagnostic view.
type Health struct {
	Status      string                   `json:"status"`
	InstanceID  string                   `json:"instanceId"`
	Port        int                      `json:"port"`
	Ports       []portreg.Entry          `json:"ports"`
	Sessions    []SessionHealth          `json:"sessions"`
	Connections []extension.ConnSnapshot `json:"connections"`
	Locks       []tablock.Info           `json:"locks"`
}

// HealthSnapshot assembles the current view.
func (b *Broker) HealthSnapshot(ctx context.Context) Health {
	h := Health{
		Status:     "ok",
		InstanceID: b.InstanceID,
		Port:       b.Port,
		Ports:      []portreg.Entry{},
	}

	if b.ports != nil {
		entries, err := b.ports.ListActive(ctx)
		if err != nil {
			logging.Warnw("health: port registry read failed", "error", err)
		} else {
			h.Ports = entries
		}
	}

	for _, snap := range b.sessions.Snapshots() {
		h.Sessions = append(h.Sessions, SessionHealth{
			Snapshot:        snap,
			PendingRequests: b.conns.PendingForSession(snap.SessionID),
		})
	}
	h.Connections = b.conns.Snapshots()
	h.Locks = b.locks.Snapshot()

	if len(h.Connections) == 0 {
		h.Status = "no_extension"
	}
	return h
}
