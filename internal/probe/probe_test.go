package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetd/pkg/types"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestWaitReadyHTTPBecomesHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	p := New(zerolog.Nop())
	target := Target{Role: "model", Kind: types.ProbeHTTP, Port: serverPort(t, srv), Path: "/v1/models"}
	if err := p.WaitReady(context.Background(), target, 5*time.Second, 20*time.Millisecond); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls.Load())
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	// Nothing listens on the target port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p := New(zerolog.Nop())
	target := Target{Role: "model", Kind: types.ProbeHTTP, Port: port, Path: "/"}
	start := time.Now()
	err = p.WaitReady(context.Background(), target, 200*time.Millisecond, 50*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("wait exceeded its budget: %v", elapsed)
	}
	var te TimeoutError
	te, _ = err.(TimeoutError)
	if te.Role != "model" {
		t.Fatalf("timeout error lost role: %+v", te)
	}
}

func TestWaitReadyHungCheckHonorsBudget(t *testing.T) {
	// The handler never answers within the budget; the attempt must be cut
	// at the overall deadline, not ride out its own per-attempt timeout.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := New(zerolog.Nop())
	target := Target{Role: "model", Kind: types.ProbeHTTP, Port: serverPort(t, srv), Path: "/"}
	start := time.Now()
	err := p.WaitReady(context.Background(), target, 300*time.Millisecond, 50*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 800*time.Millisecond {
		t.Fatalf("hung check pushed wait past its budget: %v", elapsed)
	}
}

func TestWaitReadyCancellation(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	p := New(zerolog.Nop())
	target := Target{Role: "model", Kind: types.ProbeHTTP, Port: port, Path: "/"}
	start := time.Now()
	err = p.WaitReady(ctx, target, 30*time.Second, 5*time.Second)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Cancellation must interrupt the in-flight poll cycle, not ride it out.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation not prompt: %v", elapsed)
	}
}

func TestCheckTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	p := New(zerolog.Nop())
	if !p.Check(context.Background(), Target{Role: "svc", Kind: types.ProbeTCP, Port: port}) {
		t.Fatalf("open port reported unhealthy")
	}
	l.Close()
	if p.Check(context.Background(), Target{Role: "svc", Kind: types.ProbeTCP, Port: port}) {
		t.Fatalf("closed port reported healthy")
	}
}

func TestCheckProcess(t *testing.T) {
	p := New(zerolog.Nop())
	if !p.Check(context.Background(), Target{Role: "w", Kind: types.ProbeProcess, PID: os.Getpid()}) {
		t.Fatalf("own pid reported unhealthy")
	}
	if p.Check(context.Background(), Target{Role: "w", Kind: types.ProbeProcess, PID: 0}) {
		t.Fatalf("pid 0 reported healthy")
	}
}

func TestCheckUnknownKind(t *testing.T) {
	p := New(zerolog.Nop())
	if p.Check(context.Background(), Target{Role: "w", Kind: "icmp"}) {
		t.Fatalf("unknown probe kind reported healthy")
	}
}

func TestTargetFor(t *testing.T) {
	spec := types.ServiceSpec{Role: "dash", Probe: types.ProbeHTTP, Port: 8000, ProbePath: "/"}
	target := TargetFor(spec, 42)
	if target.Role != "dash" || target.Kind != types.ProbeHTTP || target.Port != 8000 || target.Path != "/" || target.PID != 42 {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestCheckDatastore(t *testing.T) {
	d := t.TempDir()
	path := filepath.Join(d, "fleet.db")
	if err := CheckDatastore(path); err != nil {
		t.Fatalf("datastore check: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("check did not create the file: %v", err)
	}
	if err := CheckDatastore(filepath.Join(d, "missing", "fleet.db")); err == nil {
		t.Fatalf("expected error for missing parent dir")
	}
	if err := CheckDatastore(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestCheckBrokerBadURL(t *testing.T) {
	if err := CheckBroker(context.Background(), "not-a-url"); err == nil {
		t.Fatalf("expected error for malformed broker url")
	}
}

func TestCheckBrokerUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := CheckBroker(ctx, "redis://127.0.0.1:"+strconv.Itoa(port)+"/0"); err == nil {
		t.Fatalf("expected error for unreachable broker")
	}
}
