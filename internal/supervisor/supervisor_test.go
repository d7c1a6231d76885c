package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

func newSupervisor(t *testing.T) (*Supervisor, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return New(reg, t.TempDir(), zerolog.Nop()), reg
}

func sleepSpec(role string, tier int) types.ServiceSpec {
	return types.ServiceSpec{
		Role:    role,
		Command: []string{"sleep", "60"},
		Tier:    tier,
		Probe:   types.ProbeProcess,
	}
}

func stopOnCleanup(t *testing.T, s *Supervisor, role string) {
	t.Helper()
	t.Cleanup(func() {
		_ = s.Stop(context.Background(), role, time.Second)
	})
}

func TestStartIdempotent(t *testing.T) {
	s, _ := newSupervisor(t)
	spec := sleepSpec("w", 1)
	stopOnCleanup(t, s, "w")

	first, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Status != types.StatusStarting || first.PID <= 0 {
		t.Fatalf("unexpected record: %+v", first)
	}
	second, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.PID != first.PID || second.ID != first.ID {
		t.Fatalf("start not idempotent: %d vs %d", second.PID, first.PID)
	}
}

func TestStartConcurrentSameRoleSpawnsOnce(t *testing.T) {
	s, _ := newSupervisor(t)
	spec := sleepSpec("w", 1)
	stopOnCleanup(t, s, "w")

	const callers = 32
	release := make(chan struct{})
	pids := make(chan int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			rec, err := s.Start(context.Background(), spec)
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			pids <- rec.PID
		}()
	}
	close(release)
	wg.Wait()
	close(pids)

	distinct := map[int]bool{}
	for pid := range pids {
		distinct[pid] = true
	}
	if len(distinct) != 1 {
		t.Fatalf("expected one live process for the role, got pids %v", distinct)
	}
	for pid := range distinct {
		if !registry.PIDAlive(pid) {
			t.Fatalf("pid %d not alive", pid)
		}
	}
}

func TestStartAfterStaleRecord(t *testing.T) {
	s, reg := newSupervisor(t)
	// Simulate a crash leaving a record for a dead pid.
	dead := exec.Command("true")
	if err := dead.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	stale := types.ProcessRecord{ID: "stale", Role: "w", PID: dead.Process.Pid, Status: types.StatusHealthy, Tier: 1}
	if err := reg.Put(stale); err != nil {
		t.Fatalf("put stale: %v", err)
	}

	spec := sleepSpec("w", 1)
	stopOnCleanup(t, s, "w")
	rec, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("start over stale record: %v", err)
	}
	if rec.PID == stale.PID || rec.ID == "stale" {
		t.Fatalf("stale record reused: %+v", rec)
	}
	if !registry.PIDAlive(rec.PID) {
		t.Fatalf("fresh process not running")
	}
}

func TestStartSpawnFailure(t *testing.T) {
	s, reg := newSupervisor(t)
	spec := types.ServiceSpec{Role: "bad", Command: []string{"/nonexistent/binary"}, Tier: 1, Probe: types.ProbeProcess}
	_, err := s.Start(context.Background(), spec)
	if !IsSpawn(err) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if _, ok, _ := reg.Get("bad"); ok {
		t.Fatalf("failed spawn left a registry record")
	}
}

func TestStartWritesLogAndPIDFiles(t *testing.T) {
	s, _ := newSupervisor(t)
	d := t.TempDir()
	spec := sleepSpec("w", 1)
	spec.LogPath = filepath.Join(d, "w.log")
	spec.PIDPath = filepath.Join(d, "w.pid")
	stopOnCleanup(t, s, "w")

	if _, err := s.Start(context.Background(), spec); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := os.Stat(spec.LogPath); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	b, err := os.ReadFile(spec.PIDPath)
	if err != nil {
		t.Fatalf("pid file missing: %v", err)
	}
	if len(b) == 0 || b[0] == '\n' {
		t.Fatalf("empty pid file")
	}
}

func TestStopTerminatesAndClearsRecord(t *testing.T) {
	s, reg := newSupervisor(t)
	spec := sleepSpec("w", 1)
	rec, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background(), "w", 2*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if registry.PIDAlive(rec.PID) {
		t.Fatalf("process still alive after stop")
	}
	if _, ok, _ := reg.Get("w"); ok {
		t.Fatalf("registry record survived stop")
	}
}

func TestStopMissingRoleIsNoop(t *testing.T) {
	s, _ := newSupervisor(t)
	if err := s.Stop(context.Background(), "ghost", time.Second); err != nil {
		t.Fatalf("stop of absent role errored: %v", err)
	}
}

func TestStopAllReverseTierOrder(t *testing.T) {
	s, reg := newSupervisor(t)
	low := sleepSpec("low", 1)
	high := sleepSpec("high", 3)
	if _, err := s.Start(context.Background(), low); err != nil {
		t.Fatalf("start low: %v", err)
	}
	if _, err := s.Start(context.Background(), high); err != nil {
		t.Fatalf("start high: %v", err)
	}
	if err := s.StopAll(context.Background(), []types.ServiceSpec{low, high}, 2*time.Second); err != nil {
		t.Fatalf("stopall: %v", err)
	}
	recs, err := reg.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("registry not empty after StopAll: %+v", recs)
	}
}
