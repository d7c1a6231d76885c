// Package probe implements bounded, cancellable readiness checks. The prober
// only detects health; deciding what to do about a failed service belongs to
// the fleet controller.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

// TimeoutError signals that a service never reported ready within its budget.
type TimeoutError struct {
	Role    string
	Elapsed time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("readiness timeout for %s after %s", e.Role, e.Elapsed.Round(time.Millisecond))
}

// IsTimeout reports whether err indicates an exhausted readiness budget.
func IsTimeout(err error) bool {
	_, ok := err.(TimeoutError)
	return ok
}

// Target is one service's liveness check, derived from its spec and pid.
type Target struct {
	Role string
	Kind types.ProbeKind
	Port int
	Path string
	PID  int
}

// TargetFor builds the probe target for a spec and its recorded pid.
func TargetFor(spec types.ServiceSpec, pid int) Target {
	return Target{Role: spec.Role, Kind: spec.Probe, Port: spec.Port, Path: spec.ProbePath, PID: pid}
}

type Prober struct {
	client *retryablehttp.Client
	log    zerolog.Logger
}

// New builds a prober. Per-attempt retries are disabled: the poll loop owns
// the retry budget, the client only hardens connection handling.
func New(log zerolog.Logger) *Prober {
	c := retryablehttp.NewClient()
	c.RetryMax = 0
	c.Logger = nil
	// Per-attempt deadlines come from the request context.
	c.HTTPClient.Timeout = 0
	return &Prober{client: c, log: log}
}

// attemptTimeout bounds a single check so one hung dial cannot eat the
// whole readiness budget.
const attemptTimeout = time.Second

// WaitReady polls the target every interval until it reports healthy, the
// timeout elapses, or ctx is cancelled. On timeout it returns TimeoutError
// without touching the process. It never blocks longer than timeout and an
// in-flight wait stops promptly on cancellation.
func (p *Prober) WaitReady(ctx context.Context, t Target, timeout, interval time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)
	// Attempts inherit the overall deadline so a check hanging near the end
	// of the budget cannot push the total wait past timeout.
	loopCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Check(loopCtx, t) {
			p.log.Debug().Str("role", t.Role).Dur("after", time.Since(start)).Msg("ready")
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TimeoutError{Role: t.Role, Elapsed: time.Since(start)}
		}
		pause := interval
		if pause > remaining {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// Check runs a single liveness check against the target.
func (p *Prober) Check(ctx context.Context, t Target) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	switch t.Kind {
	case types.ProbeHTTP:
		return p.checkHTTP(attemptCtx, t)
	case types.ProbeTCP:
		return checkTCP(attemptCtx, t.Port)
	case types.ProbeProcess:
		return registry.PIDAlive(t.PID)
	default:
		return false
	}
}

func (p *Prober) checkHTTP(ctx context.Context, t Target) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", t.Port, t.Path)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func checkTCP(ctx context.Context, port int) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
