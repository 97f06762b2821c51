// registry.go - session lifecycle and tab ownership.
// A Session is one logical AI-client attachment. It is created on the first
// request carrying an unseen sessionId and destroyed when the client
// transport closes, or by the idle reaper. The registry owns the only map;
// callers go through its narrow interface. Destruction fans out through
// hooks (cancel pending requests, sweep lock queues, close owned tabs) so
// the registry stays free of upward dependencies.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/switchyard-mcp/switchyard/internal/logging"
)

// State is the session lifecycle phase.
type State string

const (
	// StateNascent means created but no extension response seen yet.
	StateNascent State = "nascent"
	// StateActive means at least one successful extension round-trip.
	StateActive State = "active"
	// StateDraining means the client transport closed; teardown running.
	StateDraining State = "draining"
	// StateTerminated means all resources are released.
	StateTerminated State = "terminated"
)

// DefaultIdleTimeout destroys sessions with no client activity. Secondary
// path; transport close is the primary one.
const DefaultIdleTimeout = 10 * time.Minute

// Session is one client attachment's state. Fields are guarded by mu;
// mutate through methods only.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu             sync.Mutex
	state          State
	lastActivityAt time.Time
	connectionID   string
	ownedTabs      map[int]struct{}
	lastFocusedTab int
	events         *EventBuffer
}

// Snapshot is a session's diagnostic view.
type Snapshot struct {
	SessionID      string    `json:"sessionId"`
	State          State     `json:"state"`
	OwnedTabs      []int     `json:"ownedTabs"`
	LastFocusedTab int       `json:"lastFocusedTab,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// State returns the lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch refreshes the activity clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// MarkActive records the first successful extension round-trip.
func (s *Session) MarkActive() {
	s.mu.Lock()
	if s.state == StateNascent {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// BindConnection records the extension connection serving this session.
// Last writer wins; accumulated ownership is preserved.
func (s *Session) BindConnection(connectionID string) {
	s.mu.Lock()
	s.connectionID = connectionID
	s.mu.Unlock()
}

// ConnectionID returns the bound extension connection, or "".
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// RecordTab adds a tab to the session's ownership and focuses it. Called
// for every response carrying a tabId; the response's tabId is
// authoritative for focus.
func (s *Session) RecordTab(tabID int) {
	if tabID == 0 {
		return
	}
	s.mu.Lock()
	s.ownedTabs[tabID] = struct{}{}
	s.lastFocusedTab = tabID
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// RemoveTab drops ownership after an explicit close. Focus moves to any
// remaining owned tab, or to none.
func (s *Session) RemoveTab(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ownedTabs, tabID)
	if s.lastFocusedTab == tabID {
		s.lastFocusedTab = 0
		for t := range s.ownedTabs {
			s.lastFocusedTab = t
			break
		}
	}
}

// OwnsTab reports whether the session has claimed the tab.
func (s *Session) OwnsTab(tabID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ownedTabs[tabID]
	return ok
}

// LastFocusedTab returns the tab the session drove most recently, 0 if none.
func (s *Session) LastFocusedTab() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFocusedTab
}

// OwnedTabs returns the claimed tab ids, sorted for stable output.
func (s *Session) OwnedTabs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tabs := make([]int, 0, len(s.ownedTabs))
	for t := range s.ownedTabs {
		tabs = append(tabs, t)
	}
	sort.Ints(tabs)
	return tabs
}

// Events returns the session's event buffer.
func (s *Session) Events() *EventBuffer { return s.events }

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tabs := make([]int, 0, len(s.ownedTabs))
	for t := range s.ownedTabs {
		tabs = append(tabs, t)
	}
	sort.Ints(tabs)
	return Snapshot{
		SessionID:      s.ID,
		State:          s.state,
		OwnedTabs:      tabs,
		LastFocusedTab: s.lastFocusedTab,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
	}
}

// DestroyHook runs during session teardown, after the session leaves the
// registry but before it is marked Terminated.
type DestroyHook func(s *Session)

// Registry maps sessionId to live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	hooks    []DestroyHook
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// OnDestroy registers a teardown hook. Hooks run in registration order.
func (r *Registry) OnDestroy(hook DestroyHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// GetOrCreate returns the session for id, creating it in Nascent state on
// first contact. The second return reports whether it was created.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	now := time.Now()
	s := &Session{
		ID:             id,
		CreatedAt:      now,
		state:          StateNascent,
		lastActivityAt: now,
		ownedTabs:      make(map[int]struct{}),
		events:         NewEventBuffer(DefaultEventBufferSize),
	}
	r.sessions[id] = s
	logging.Infow("session created", "session", id)
	return s, true
}

// Get returns the session if registered.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Live reports whether the session is registered and not tearing down.
// The tab-lock scheduler uses this as its staleness probe.
func (r *Registry) Live(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateNascent || s.state == StateActive
}

// Destroy removes the session and runs teardown hooks. Idempotent.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	hooks := r.hooks
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.state = StateDraining
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(s)
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	logging.Infow("session destroyed", "session", id)
}

// DestroyAll tears down every session. Shutdown path.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(id)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots returns diagnostic views of every session, sorted by id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SessionID < snaps[j].SessionID })
	return snaps
}

// RunReaper destroys sessions idle past idleTimeout until ctx ends. The
// sweep interval is a fraction of the timeout so an idle session overstays
// by a bounded amount.
func (r *Registry) RunReaper(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(idleTimeout)
		}
	}
}

func (r *Registry) reapIdle(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)
	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		s.mu.Lock()
		if s.lastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()
	for _, id := range idle {
		logging.Infow("reaping idle session", "session", id)
		r.Destroy(id)
	}
}
