// scheduler.go - per-tab exclusive locks with FIFO wait queues.
// One lock record exists per tab only while the tab is held or contended;
// the table is the intra-process serializer for browser tabs. Grants move
// atomically from releaser to head waiter under the table mutex, so there
// is never an instant with two holders. A waiter resolves exactly once:
// granted, timed out, or cancelled. Stale holders (older than
// StaleHoldThreshold with an unregistered session) are force-released by
// the next Acquire that observes them; this is the only recovery path for
// a crashed holder.
package tablock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/logging"
)

const (
	// DefaultAcquireTimeout bounds a lock wait when the caller does not.
	DefaultAcquireTimeout = 30 * time.Second
	// StaleHoldThreshold is the hold age beyond which an unregistered
	// holder may be reclaimed.
	StaleHoldThreshold = 60 * time.Second
)

type waiterState int

const (
	waiterPending waiterState = iota
	waiterGranted
	waiterTimedOut
	waiterCancelled
)

type waiter struct {
	sessionID string
	state     waiterState
	grantCh   chan struct{}
}

type tabLock struct {
	holder     string
	acquiredAt time.Time
	queue      []*waiter
}

// Info is one lock's diagnostic view.
type Info struct {
	TabID      int       `json:"tabId"`
	Holder     string    `json:"holder"`
	QueueDepth int       `json:"queueDepth"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Scheduler serializes tab access across sessions.
type Scheduler struct {
	mu    sync.Mutex
	locks map[int]*tabLock

	// sessionLive reports whether a session is still registered; consulted
	// by stale-holder reclamation.
	sessionLive func(sessionID string) bool

	now func() time.Time
}

// New builds a scheduler. sessionLive may be nil until SetSessionLiveness
// is called; with no probe installed a stale holder is assumed dead.
func New(sessionLive func(string) bool) *Scheduler {
	return &Scheduler{
		locks:       make(map[int]*tabLock),
		sessionLive: sessionLive,
		now:         time.Now,
	}
}

// SetSessionLiveness installs the liveness probe after construction, which
// breaks the scheduler/registry construction cycle.
func (s *Scheduler) SetSessionLiveness(fn func(string) bool) {
	s.mu.Lock()
	s.sessionLive = fn
	s.mu.Unlock()
}

// Acquire takes the tab's exclusive lock for sessionID, waiting FIFO behind
// earlier contenders. Returns nil on grant, LockAcquireTimeout when timeout
// elapses, Cancelled when ctx ends or the session is torn down mid-wait.
func (s *Scheduler) Acquire(ctx context.Context, sessionID string, tabID int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	s.mu.Lock()
	l, ok := s.locks[tabID]
	if !ok {
		l = &tabLock{}
		s.locks[tabID] = l
	}

	s.reclaimIfStaleLocked(tabID, l)
	// Reclaiming an uncontended lock drops its record; keep it for this
	// acquisition.
	s.locks[tabID] = l

	if l.holder == "" && len(l.queue) == 0 {
		l.holder = sessionID
		l.acquiredAt = s.now()
		s.mu.Unlock()
		return nil
	}

	w := &waiter{sessionID: sessionID, grantCh: make(chan struct{})}
	l.queue = append(l.queue, w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.grantCh:
		s.mu.Lock()
		cancelled := w.state == waiterCancelled
		s.mu.Unlock()
		if cancelled {
			return brokererr.New(brokererr.KindCancelled,
				fmt.Sprintf("wait for tab %d cancelled", tabID))
		}
		return nil
	case <-timer.C:
		return s.abandonWait(tabID, w, waiterTimedOut)
	case <-ctx.Done():
		return s.abandonWait(tabID, w, waiterCancelled)
	}
}

// abandonWait resolves a waiter that stopped waiting. If the grant raced
// the abandonment the lock is handed straight to the next waiter, so a
// timed-out acquisition can never be granted later.
func (s *Scheduler) abandonWait(tabID int, w *waiter, state waiterState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.state == waiterGranted {
		// Lost the race: we already own the lock but the caller is gone.
		l := s.locks[tabID]
		if l != nil && l.holder == w.sessionID {
			s.releaseLocked(tabID, l)
		}
	} else {
		w.state = state
		if l := s.locks[tabID]; l != nil {
			s.removeWaiterLocked(tabID, l, w)
		}
	}

	if state == waiterTimedOut {
		return brokererr.New(brokererr.KindLockAcquireTimeout,
			fmt.Sprintf("tab %d is held; wait timed out", tabID))
	}
	return brokererr.New(brokererr.KindCancelled,
		fmt.Sprintf("wait for tab %d cancelled", tabID))
}

// Release gives up the lock and grants the head waiter atomically. Only the
// current holder may release; a non-holder call is logged and ignored.
func (s *Scheduler) Release(sessionID string, tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[tabID]
	if !ok || l.holder != sessionID {
		logging.Warnw("release by non-holder ignored",
			"tabId", tabID, "session", sessionID)
		return
	}
	s.releaseLocked(tabID, l)
}

// CancelSession removes the session everywhere: queued waits are resolved
// Cancelled, held locks are released with their grants cascading.
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tabID, l := range s.locks {
		kept := l.queue[:0]
		for _, w := range l.queue {
			if w.sessionID == sessionID && w.state == waiterPending {
				w.state = waiterCancelled
				close(w.grantCh)
				continue
			}
			kept = append(kept, w)
		}
		l.queue = kept

		if l.holder == sessionID {
			s.releaseLocked(tabID, l)
		} else {
			s.dropIfIdleLocked(tabID, l)
		}
	}
}

// Holder returns the current holder of a tab, if any.
func (s *Scheduler) Holder(tabID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tabID]
	if !ok || l.holder == "" {
		return "", false
	}
	return l.holder, true
}

// HeldBy lists the tabs a session currently holds.
func (s *Scheduler) HeldBy(sessionID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tabs []int
	for tabID, l := range s.locks {
		if l.holder == sessionID {
			tabs = append(tabs, tabID)
		}
	}
	return tabs
}

// Snapshot returns the diagnostic view of all live lock records.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.locks))
	for tabID, l := range s.locks {
		depth := 0
		for _, w := range l.queue {
			if w.state == waiterPending {
				depth++
			}
		}
		infos = append(infos, Info{
			TabID:      tabID,
			Holder:     l.holder,
			QueueDepth: depth,
			AcquiredAt: l.acquiredAt,
		})
	}
	return infos
}

// releaseLocked clears the holder and grants the next pending waiter.
// Grant and release are one critical section: no instant with two holders
// and no instant where a waiter misses a free lock.
func (s *Scheduler) releaseLocked(tabID int, l *tabLock) {
	l.holder = ""
	for len(l.queue) > 0 {
		head := l.queue[0]
		l.queue = l.queue[1:]
		if head.state != waiterPending {
			continue
		}
		head.state = waiterGranted
		l.holder = head.sessionID
		l.acquiredAt = s.now()
		close(head.grantCh)
		return
	}
	s.dropIfIdleLocked(tabID, l)
}

// removeWaiterLocked deletes w from the queue in place; later waiters keep
// their order.
func (s *Scheduler) removeWaiterLocked(tabID int, l *tabLock, w *waiter) {
	kept := l.queue[:0]
	for _, q := range l.queue {
		if q == w {
			continue
		}
		kept = append(kept, q)
	}
	l.queue = kept
	s.dropIfIdleLocked(tabID, l)
}

// dropIfIdleLocked removes the record once the lock is neither held nor
// contended; a lock exists only while useful.
func (s *Scheduler) dropIfIdleLocked(tabID int, l *tabLock) {
	if l.holder == "" && len(l.queue) == 0 {
		delete(s.locks, tabID)
	}
}

// reclaimIfStaleLocked force-releases a holder whose acquisition is past
// the stale threshold and whose session is no longer registered.
func (s *Scheduler) reclaimIfStaleLocked(tabID int, l *tabLock) {
	if l.holder == "" {
		return
	}
	if s.now().Sub(l.acquiredAt) <= StaleHoldThreshold {
		return
	}
	if s.sessionLive != nil && s.sessionLive(l.holder) {
		return
	}
	logging.Warnw("reclaiming stale tab lock",
		"tabId", tabID, "holder", l.holder, "heldFor", s.now().Sub(l.acquiredAt))
	s.releaseLocked(tabID, l)
}
