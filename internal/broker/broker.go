// broker.go - wiring for the routing core.
// A Broker owns the session registry, the tab-lock scheduler, and the
// extension connection manager, and threads them together: session
// teardown cancels pending requests, sweeps lock queues, releases held
// locks, and closes owned tabs best-effort; unsolicited events land in the
// owning session's buffer; discovery answers come from the port registry.
// Sessions, locks and connections reference each other by id only; each
// registry owns its records.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/switchyard-mcp/switchyard/internal/extension"
	"github.com/switchyard-mcp/switchyard/internal/logging"
	"github.com/switchyard-mcp/switchyard/internal/portreg"
	"github.com/switchyard-mcp/switchyard/internal/retry"
	"github.com/switchyard-mcp/switchyard/internal/session"
	"github.com/switchyard-mcp/switchyard/internal/tablock"
	"github.com/switchyard-mcp/switchyard/internal/telemetry"
	"github.com/switchyard-mcp/switchyard/internal/util"
)

// Config tunes one broker instance.
type Config struct {
	// CommandTimeout bounds each extension round-trip.
	CommandTimeout time.Duration
	// LockTimeout bounds tab-lock acquisition.
	LockTimeout time.Duration
	// IdleTimeout reaps sessions with no client activity.
	IdleTimeout time.Duration
	// Retry tunes the command retry loop.
	Retry retry.Config
	// AdoptForeignTabs controls whether a response carrying a tabId the
	// session never owned claims that tab.
	AdoptForeignTabs bool
}

// DefaultConfig returns the standard timing policy.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   30 * time.Second,
		LockTimeout:      30 * time.Second,
		IdleTimeout:      session.DefaultIdleTimeout,
		Retry:            retry.DefaultConfig(),
		AdoptForeignTabs: true,
	}
}

// Broker is the routing core for one instance.
type Broker struct {
	InstanceID string
	Port       int

	cfg      Config
	sessions *session.Registry
	locks    *tablock.Scheduler
	conns    *extension.Manager
	ports    *portreg.Registry
	metrics  *telemetry.Metrics
}

// New wires a broker. ports may be nil (single-instance deployments with a
// fixed extension port); metrics may be nil.
func New(cfg Config, instanceID string, port int, ports *portreg.Registry, metrics *telemetry.Metrics) *Broker {
	b := &Broker{
		InstanceID: instanceID,
		Port:       port,
		cfg:        cfg,
		sessions:   session.NewRegistry(),
		conns:      extension.NewManager(instanceID, port),
		ports:      ports,
		metrics:    metrics,
	}
	b.locks = tablock.New(b.sessions.Live)

	b.conns.SetEventHandler(b.routeEvent)
	b.conns.SetPortLister(b.activePorts)

	// Teardown order: fail in-flight requests, then sweep lock queues and
	// release held locks, then close owned tabs. Hooks run while the
	// session drains, after it left the registry.
	b.sessions.OnDestroy(func(s *session.Session) {
		b.conns.CancelSession(s.ID)
	})
	b.sessions.OnDestroy(func(s *session.Session) {
		b.locks.CancelSession(s.ID)
	})
	b.sessions.OnDestroy(b.closeOwnedTabs)

	return b
}

// Sessions exposes the session registry to the client surface.
func (b *Broker) Sessions() *session.Registry { return b.sessions }

// Connections exposes the extension manager for HTTP wiring.
func (b *Broker) Connections() *extension.Manager { return b.conns }

// Locks exposes the scheduler for diagnostics.
func (b *Broker) Locks() *tablock.Scheduler { return b.locks }

// Run drives the background loops (session reaper, registry heartbeat)
// until ctx ends.
func (b *Broker) Run(ctx context.Context) {
	b.conns.SetRunContext(ctx)
	util.SafeGo(func() { b.sessions.RunReaper(ctx, b.cfg.IdleTimeout) })
	if b.ports != nil {
		util.SafeGo(func() { b.ports.RunHeartbeat(ctx) })
	}
}

// DestroySession tears down one session; the client surface calls this
// when its transport reports close.
func (b *Broker) DestroySession(sessionID string) {
	b.sessions.Destroy(sessionID)
}

// Shutdown drains the broker: every session is destroyed (cancelling its
// pending requests and releasing its locks), connections close, and the
// port-registry entry is released.
func (b *Broker) Shutdown(ctx context.Context) {
	logging.Infow("broker shutting down", "instance", b.InstanceID)
	b.sessions.DestroyAll()
	b.conns.CloseAll()
	if b.ports != nil {
		if err := b.ports.Release(ctx); err != nil {
			logging.Warnw("port registry release failed", "error", err)
		}
	}
	logging.Sync()
}

// routeEvent delivers an unsolicited extension event to its session's
// buffer. Events for unknown sessions are dropped with a warning; an
// event must never create a session.
func (b *Broker) routeEvent(sessionID, name string, payload json.RawMessage) {
	s, ok := b.sessions.Get(sessionID)
	if !ok {
		logging.Warnw("dropping event for unknown session",
			"session", sessionID, "event", name)
		return
	}
	b.metrics.CountEvent()
	s.Events().Add(name, payload)
}

// activePorts backs the discovery responder.
func (b *Broker) activePorts(ctx context.Context) ([]int, error) {
	if b.ports == nil {
		return []int{b.Port}, nil
	}
	return b.ports.ActivePorts(ctx)
}

// closeOwnedTabs asks the extension to close every tab the dying session
// owned. Best-effort with a short deadline; the session is already gone
// from the registry so these sends bypass ownership checks.
func (b *Broker) closeOwnedTabs(s *session.Session) {
	tabs := s.OwnedTabs()
	if len(tabs) == 0 {
		return
	}
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, tabID := range tabs {
			payload, _ := json.Marshal(map[string]int{"tabId": tabID})
			if _, err := b.conns.Roundtrip(ctx, s, "tabs.close", payload, tabID, 5*time.Second); err != nil {
				logging.Debugw("best-effort tab close failed",
					"session", s.ID, "tabId", tabID, "error", err)
			}
		}
	})
}
