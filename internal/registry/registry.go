// Package registry persists one durable process record per role so that a
// later orchestrator invocation can rediscover and signal processes from a
// prior run. It is the sole source of truth for "what is currently running".
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"fleetd/internal/common/fsutil"
	"fleetd/pkg/types"
)

// Registry stores records as <dir>/<role>.json with atomic writes. All
// mutation goes through one lock so concurrent Start/Stop on a role can never
// race to produce two live processes.
type Registry struct {
	mu  sync.RWMutex
	dir string
}

// Open ensures the state directory exists and returns a registry over it.
func Open(dir string) (*Registry, error) {
	abs, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return &Registry{dir: abs}, nil
}

// Dir returns the backing directory.
func (r *Registry) Dir() string { return r.dir }

func (r *Registry) path(role string) string {
	return filepath.Join(r.dir, role+".json")
}

// Put writes the record for its role, replacing any previous one.
func (r *Registry) Put(rec types.ProcessRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return fsutil.WriteAtomic(r.path(rec.Role), b, 0o644)
}

// Get returns the stored record for role, without any liveness judgement.
func (r *Registry) Get(role string) (types.ProcessRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read(role)
}

func (r *Registry) read(role string) (types.ProcessRecord, bool, error) {
	b, err := os.ReadFile(r.path(role))
	if os.IsNotExist(err) {
		return types.ProcessRecord{}, false, nil
	}
	if err != nil {
		return types.ProcessRecord{}, false, err
	}
	var rec types.ProcessRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.ProcessRecord{}, false, fmt.Errorf("corrupt record %s: %w", role, err)
	}
	return rec, true, nil
}

// Delete removes the record for role. Missing records are not an error.
func (r *Registry) Delete(role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := os.Remove(r.path(role))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Live returns the record for role only when its process is still running.
// A record pointing at a dead pid is reaped on the spot; "no record" and
// "record but process gone" both come back as ok=false.
func (r *Registry) Live(role string) (types.ProcessRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok, err := r.read(role)
	if err != nil || !ok {
		return types.ProcessRecord{}, false, err
	}
	if !PIDAlive(rec.PID) {
		if err := os.Remove(r.path(role)); err != nil && !os.IsNotExist(err) {
			return types.ProcessRecord{}, false, err
		}
		return types.ProcessRecord{}, false, nil
	}
	return rec, true, nil
}

// Snapshot returns every stored record, sorted by role. Records are read
// under the lock so callers observe no partially written state.
func (r *Registry) Snapshot() ([]types.ProcessRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var out []types.ProcessRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		role := strings.TrimSuffix(e.Name(), ".json")
		rec, ok, err := r.read(role)
		if err != nil || !ok {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

// PIDAlive reports whether pid refers to a running process, using the
// signal-0 probe. EPERM counts as alive: the process exists but belongs to
// another user.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
