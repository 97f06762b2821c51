// registry.go - cross-process broker port allocation.
// A JSON array persisted at a host-wide path mediates which broker process
// owns which listener port in [8765, 8775]. Every mutation happens under an
// exclusive OS file lock on an adjacent .lock file; stale entries (dead PID
// or silent past the heartbeat threshold) are swept by whichever participant
// touches the file next. Lowest free port wins so extensions find the same
// endpoint across restarts.
package portreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/switchyard-mcp/switchyard/internal/brokererr"
	"github.com/switchyard-mcp/switchyard/internal/logging"
)

const (
	// PortRangeStart and PortRangeEnd bound the allocatable pool, inclusive.
	PortRangeStart = 8765
	PortRangeEnd   = 8775

	// HeartbeatInterval is how often an owner refreshes its entry.
	HeartbeatInterval = 30 * time.Second
	// StaleThreshold is the silence after which any participant may sweep
	// an entry.
	StaleThreshold = 60 * time.Second

	// lockRetryDelay paces lock acquisition attempts.
	lockRetryDelay = 50 * time.Millisecond
	// lockTimeout bounds how long a participant waits for the file lock
	// before failing the operation.
	lockTimeout = 5 * time.Second
)

// Entry is one broker's claim on a port.
type Entry struct {
	Port            int       `json:"port"`
	InstanceID      string    `json:"instanceId"`
	PID             int       `json:"pid"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Registry mediates port ownership for one broker process.
type Registry struct {
	path     string
	lockPath string

	mu         sync.Mutex
	owned      *Entry
	instanceID string

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}

	// Injectable for tests.
	now       func() time.Time
	pidExists func(int) bool
}

// New builds a registry over the given file. The lock file sits adjacent.
func New(path string) *Registry {
	return &Registry{
		path:       path,
		lockPath:   path + ".lock",
		instanceID: uuid.NewString(),
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		now:        time.Now,
		pidExists:  pidExists,
	}
}

// InstanceID returns this process's registry identity, generated at startup.
func (r *Registry) InstanceID() string { return r.instanceID }

// Allocate claims the lowest free port in the pool and records the entry.
// Returns a NoPortsAvailable error when the pool is exhausted. Allocation
// failure is a startup error for the caller.
func (r *Registry) Allocate(ctx context.Context) (int, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owned != nil {
		return r.owned.Port, r.instanceID, nil
	}

	var port int
	err := r.withLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		entries = r.sweep(entries)

		taken := make(map[int]bool, len(entries))
		for _, e := range entries {
			taken[e.Port] = true
		}
		port = 0
		for p := PortRangeStart; p <= PortRangeEnd; p++ {
			if !taken[p] {
				port = p
				break
			}
		}
		if port == 0 {
			return brokererr.New(brokererr.KindNoPortsAvailable,
				fmt.Sprintf("all ports in [%d, %d] are claimed", PortRangeStart, PortRangeEnd))
		}

		now := r.now()
		entry := Entry{
			Port:            port,
			InstanceID:      r.instanceID,
			PID:             os.Getpid(),
			CreatedAt:       now,
			LastHeartbeatAt: now,
		}
		entries = append(entries, entry)
		if err := r.store(entries); err != nil {
			return err
		}
		r.owned = &entry
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return port, r.instanceID, nil
}

// Heartbeat refreshes the owned entry's liveness timestamp. A failed
// heartbeat is logged by the caller and does not tear the broker down.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owned == nil {
		return errors.New("no owned port registry entry")
	}

	return r.withLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		entries = r.sweep(entries)
		found := false
		now := r.now()
		for i := range entries {
			if entries[i].Port == r.owned.Port && entries[i].InstanceID == r.instanceID {
				entries[i].LastHeartbeatAt = now
				found = true
				break
			}
		}
		if !found {
			// Someone swept us (clock skew, suspend). Reinstate.
			e := *r.owned
			e.LastHeartbeatAt = now
			entries = append(entries, e)
		}
		r.owned.LastHeartbeatAt = now
		return r.store(entries)
	})
}

// RunHeartbeat refreshes the entry every HeartbeatInterval until ctx ends.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				logging.Warnw("port registry heartbeat failed", "error", err)
			}
		}
	}
}

// Release removes the owned entry. Best-effort; shutdown path.
func (r *Registry) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owned == nil {
		return nil
	}
	owned := r.owned
	r.owned = nil

	return r.withLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Port == owned.Port && e.InstanceID == owned.InstanceID {
				continue
			}
			kept = append(kept, e)
		}
		return r.store(kept)
	})
}

// ListActive returns entries heard from within the stale threshold.
// Read-only; taken under the lock so a concurrent writer can't be half-read.
func (r *Registry) ListActive(ctx context.Context) ([]Entry, error) {
	var active []Entry
	err := r.withLock(ctx, func() error {
		entries, err := r.load()
		if err != nil {
			return err
		}
		cutoff := r.now().Add(-StaleThreshold)
		for _, e := range entries {
			if e.LastHeartbeatAt.After(cutoff) {
				active = append(active, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// ActivePorts returns just the port numbers of live entries.
func (r *Registry) ActivePorts(ctx context.Context) ([]int, error) {
	entries, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(entries))
	for _, e := range entries {
		ports = append(ports, e.Port)
	}
	return ports, nil
}

// sweep drops entries whose PID is gone on this host or whose heartbeat is
// past the stale threshold. Called with the file lock held.
func (r *Registry) sweep(entries []Entry) []Entry {
	cutoff := r.now().Add(-StaleThreshold)
	kept := entries[:0]
	for _, e := range entries {
		if !e.LastHeartbeatAt.After(cutoff) {
			logging.Infow("sweeping stale port registry entry",
				"port", e.Port, "instance", e.InstanceID)
			continue
		}
		if e.PID > 0 && !r.pidExists(e.PID) {
			logging.Infow("sweeping dead-process port registry entry",
				"port", e.Port, "pid", e.PID)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// withLock runs fn with the exclusive file lock held, retrying acquisition
// for up to lockTimeout. The flock is advisory and OS-level, so it also
// excludes other broker processes.
func (r *Registry) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.lockPath), 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	lock := flock.New(r.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquiring port registry lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("port registry lock at %s is held", r.lockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logging.Warnw("releasing port registry lock", "error", err)
		}
	}()
	return fn()
}

// load reads the registry file. A missing file is an empty registry.
func (r *Registry) load() ([]Entry, error) {
	buf, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading port registry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(buf, &entries); err != nil {
		// A torn or corrupt file must not wedge allocation forever.
		logging.Warnw("port registry file corrupt, resetting", "path", r.path, "error", err)
		return nil, nil
	}
	return entries, nil
}

// store writes the registry atomically: temp file in the same directory,
// then rename.
func (r *Registry) store(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	buf, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding port registry: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".ports-*.json")
	if err != nil {
		return fmt.Errorf("writing port registry: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing port registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("writing port registry: %w", err)
	}
	if err := os.Rename(name, r.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replacing port registry: %w", err)
	}
	return nil
}

func pidExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// Can't tell; keep the entry and let the heartbeat threshold decide.
		return true
	}
	return ok
}
