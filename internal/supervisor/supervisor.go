// Package supervisor spawns fleet services, records their handles in the PID
// registry, and performs targeted or tiered termination.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/internal/common/fsutil"
	"fleetd/internal/profile"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

// SpawnError signals that a service process could not be launched. The fleet
// controller treats it like a readiness failure: degrade and roll back.
type SpawnError struct {
	Role string
	Err  error
}

func (e SpawnError) Error() string { return "spawn " + e.Role + ": " + e.Err.Error() }
func (e SpawnError) Unwrap() error { return e.Err }

// IsSpawn reports whether err indicates a failed process launch.
func IsSpawn(err error) bool {
	_, ok := err.(SpawnError)
	return ok
}

type Supervisor struct {
	reg    *registry.Registry
	log    zerolog.Logger
	logDir string

	mu    sync.Mutex
	roles map[string]*sync.Mutex
}

func New(reg *registry.Registry, logDir string, log zerolog.Logger) *Supervisor {
	return &Supervisor{reg: reg, logDir: logDir, log: log, roles: make(map[string]*sync.Mutex)}
}

// roleLock returns the mutex serializing lifecycle operations for one role.
// Start and Stop hold it across their whole check-act sequence so two
// concurrent calls can never both observe "not running" and both spawn.
func (s *Supervisor) roleLock(role string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.roles[role]
	if !ok {
		l = &sync.Mutex{}
		s.roles[role] = l
	}
	return l
}

// LogPath returns where a spec's output lands.
func (s *Supervisor) LogPath(spec types.ServiceSpec) string {
	if spec.LogPath != "" {
		return spec.LogPath
	}
	return filepath.Join(s.logDir, spec.Role+".log")
}

// Start launches the process for spec and records it. When a live record
// already exists for the role the call is idempotent: the existing record is
// returned unchanged and nothing is spawned. Stale registry entries are
// reaped before launching.
func (s *Supervisor) Start(ctx context.Context, spec types.ServiceSpec) (types.ProcessRecord, error) {
	lock := s.roleLock(spec.Role)
	lock.Lock()
	defer lock.Unlock()

	// Live also reaps a record whose pid is gone, which covers the
	// crash-recovery path: a stale entry is expected, not an error.
	if rec, ok, err := s.reg.Live(spec.Role); err != nil {
		return types.ProcessRecord{}, err
	} else if ok {
		s.log.Info().Str("role", spec.Role).Int("pid", rec.PID).Msg("already running, reusing")
		return rec, nil
	}

	logPath := s.LogPath(spec)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return types.ProcessRecord{}, SpawnError{Role: spec.Role, Err: err}
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.ProcessRecord{}, SpawnError{Role: spec.Role, Err: err}
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New session: the service survives orchestrator exit and can be signaled
	// as a group on stop.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return types.ProcessRecord{}, SpawnError{Role: spec.Role, Err: err}
	}
	_ = logFile.Close()

	rec := types.ProcessRecord{
		ID:        uuid.NewString(),
		Role:      spec.Role,
		PID:       cmd.Process.Pid,
		StartTime: time.Now().UTC(),
		Status:    types.StatusStarting,
		Tier:      spec.Tier,
		Aliases:   spec.Aliases,
	}
	if err := s.reg.Put(rec); err != nil {
		_ = cmd.Process.Kill()
		return types.ProcessRecord{}, fmt.Errorf("record %s: %w", spec.Role, err)
	}
	if spec.PIDPath != "" {
		if err := fsutil.WriteAtomic(spec.PIDPath, []byte(strconv.Itoa(rec.PID)+"\n"), 0o644); err != nil {
			s.log.Warn().Err(err).Str("role", spec.Role).Msg("pid file write failed")
		}
	}
	// Reap the child if it exits while this invocation is still alive.
	go func() { _ = cmd.Wait() }()

	s.log.Info().Str("role", spec.Role).Int("pid", rec.PID).Int("tier", spec.Tier).Str("log", logPath).Msg("started")
	return rec, nil
}

// Stop sends SIGTERM to the role's process group, waits up to grace, then
// escalates to SIGKILL. Stopping a role with no live record is a no-op.
func (s *Supervisor) Stop(ctx context.Context, role string, grace time.Duration) error {
	lock := s.roleLock(role)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := s.reg.Live(role)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.log.Info().Str("role", role).Int("pid", rec.PID).Msg("stopping")
	signalGroup(rec.PID, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for registry.PIDAlive(rec.PID) {
		if time.Now().After(deadline) {
			s.log.Warn().Str("role", role).Int("pid", rec.PID).Msg("grace elapsed, killing")
			signalGroup(rec.PID, syscall.SIGKILL)
			waitGone(rec.PID, 2*time.Second)
			break
		}
		select {
		case <-ctx.Done():
			// Still escalate: an aborted stop must not leave the process up.
			signalGroup(rec.PID, syscall.SIGKILL)
			waitGone(rec.PID, 2*time.Second)
			return s.finish(role, rec)
		case <-time.After(50 * time.Millisecond):
		}
	}
	return s.finish(role, rec)
}

func (s *Supervisor) finish(role string, rec types.ProcessRecord) error {
	if err := s.reg.Delete(role); err != nil {
		return err
	}
	s.log.Info().Str("role", role).Int("pid", rec.PID).Msg("stopped")
	return nil
}

// signalGroup signals the process group first (Setsid makes pid the group
// leader) and falls back to the single pid.
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func waitGone(pid int, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for registry.PIDAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

// StopAll stops services in strictly descending tier order so dependents are
// always terminated before their dependencies. Within a tier stops run
// concurrently; the next tier begins only when every stop in the current one
// has completed or timed out.
func (s *Supervisor) StopAll(ctx context.Context, specs []types.ServiceSpec, grace time.Duration) error {
	tiers := profile.Tiers(specs)
	var firstErr error
	for i := len(tiers) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, spec := range tiers[i] {
			wg.Add(1)
			go func(role string) {
				defer wg.Done()
				if err := s.Stop(ctx, role, grace); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(spec.Role)
		}
		wg.Wait()
	}
	return firstErr
}
