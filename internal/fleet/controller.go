// Package fleet sequences supervisor and prober calls across dependency
// tiers, owns the fleet-level state machine, and guarantees that a partially
// started fleet is never left running unsupervised.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/internal/config"
	"fleetd/internal/hardware"
	"fleetd/internal/probe"
	"fleetd/internal/profile"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

// Supervising is the slice of the process supervisor the controller drives.
type Supervising interface {
	Start(ctx context.Context, spec types.ServiceSpec) (types.ProcessRecord, error)
	Stop(ctx context.Context, role string, grace time.Duration) error
	StopAll(ctx context.Context, specs []types.ServiceSpec, grace time.Duration) error
	LogPath(spec types.ServiceSpec) string
}

// ReadyProber is the slice of the readiness prober the controller drives.
type ReadyProber interface {
	WaitReady(ctx context.Context, t probe.Target, timeout, interval time.Duration) error
}

// rollbackBudget bounds the cleanup pass after a degraded or cancelled start.
const rollbackBudget = 2 * time.Minute

type Controller struct {
	cfg       config.Config
	log       zerolog.Logger
	inspector hardware.Inspector
	sup       Supervising
	prober    ReadyProber
	reg       *registry.Registry
	events    EventPublisher
	runID     string

	mu    sync.Mutex
	state types.FleetState
}

func New(cfg config.Config, inspector hardware.Inspector, sup Supervising, prober ReadyProber, reg *registry.Registry, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		log:       log,
		inspector: inspector,
		sup:       sup,
		prober:    prober,
		reg:       reg,
		events:    noopPublisher{},
		runID:     uuid.NewString(),
		state:     types.FleetIdle,
	}
}

// SetPublisher installs an EventPublisher for controller events.
func (c *Controller) SetPublisher(p EventPublisher) {
	if p == nil {
		c.events = noopPublisher{}
		return
	}
	c.events = p
}

// State returns the current fleet state.
func (c *Controller) State() types.FleetState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(s types.FleetState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	stateTransitionsTotal.WithLabelValues(string(s)).Inc()
	c.events.Publish(Event{Name: "state", Fields: map[string]any{"state": string(s), "run_id": c.runID}})
	c.log.Info().Str("state", string(s)).Msg("fleet state")
}

// Resolve captures hardware (unless an override profile bypasses selection),
// selects the deployment profile, and loads its validated specs. Snapshots
// are captured fresh every invocation, never cached.
func (c *Controller) Resolve(ctx context.Context) (types.DeploymentProfile, []types.ServiceSpec, error) {
	opts := profile.SelectOptions{
		OverridePath:       c.cfg.ProfilePath,
		ThresholdHighBytes: c.cfg.ThresholdHighBytes,
	}
	var snap types.HardwareSnapshot
	if opts.OverridePath == "" {
		var err error
		snap, err = c.inspector.Capture(ctx)
		if err != nil {
			return types.DeploymentProfile{}, nil, err
		}
	}
	prof, err := profile.Select(snap, opts)
	if err != nil {
		return types.DeploymentProfile{}, nil, err
	}
	specs, err := profile.Load(prof)
	if err != nil {
		return types.DeploymentProfile{}, nil, err
	}
	return prof, specs, nil
}

// Up runs the full startup sequence: inspect, select, then start and confirm
// each tier in ascending order. Any readiness or spawn failure degrades the
// fleet and rolls back everything already started, in reverse tier order.
func (c *Controller) Up(ctx context.Context) error {
	c.transition(types.FleetInspecting)
	prof, specs, err := c.Resolve(ctx)
	if err != nil {
		c.transition(types.FleetIdle)
		return err
	}
	c.transition(types.FleetProfileSelected)
	c.events.Publish(Event{Name: "profile_selected", Fields: map[string]any{"profile": prof.Name, "services": len(specs)}})
	c.log.Info().Str("profile", prof.Name).Int("services", len(specs)).Msg("profile selected")

	c.transition(types.FleetStarting)
	var started []types.ServiceSpec
	for _, tier := range profile.Tiers(specs) {
		c.log.Info().Int("tier", tier[0].Tier).Int("services", len(tier)).Msg("starting tier")
		recs, failedSpec, err := c.startTier(ctx, tier)
		for _, spec := range tier {
			if _, ok := recs[spec.Role]; ok {
				started = append(started, spec)
			}
		}
		if err != nil {
			return c.degrade(failedSpec, started, err)
		}
		if failedSpec, err := c.probeTier(ctx, tier, recs); err != nil {
			return c.degrade(failedSpec, started, err)
		}
		c.markHealthy(tier, recs)
	}

	c.transition(types.FleetAllHealthy)
	c.transition(types.FleetRunning)
	return nil
}

// startTier spawns every spec in the tier concurrently. It returns the
// records of every successful start even when one fails, so the caller can
// roll those back too.
func (c *Controller) startTier(ctx context.Context, tier []types.ServiceSpec) (map[string]types.ProcessRecord, types.ServiceSpec, error) {
	recs := make(map[string]types.ProcessRecord, len(tier))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error
	var failedSpec types.ServiceSpec
	for _, spec := range tier {
		wg.Add(1)
		go func(spec types.ServiceSpec) {
			defer wg.Done()
			rec, err := c.sup.Start(ctx, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					failedSpec = spec
				}
				return
			}
			recs[spec.Role] = rec
		}(spec)
	}
	wg.Wait()
	return recs, failedSpec, firstErr
}

// probeTier waits for every spec in the tier concurrently; the controller
// advances only once all of them are healthy.
func (c *Controller) probeTier(ctx context.Context, tier []types.ServiceSpec, recs map[string]types.ProcessRecord) (types.ServiceSpec, error) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error
	var failedSpec types.ServiceSpec
	for _, spec := range tier {
		rec, ok := recs[spec.Role]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(spec types.ServiceSpec, rec types.ProcessRecord) {
			defer wg.Done()
			start := time.Now()
			err := c.prober.WaitReady(ctx, probe.TargetFor(spec, rec.PID), c.cfg.ReadyTimeout(), c.cfg.PollInterval())
			readinessWaitSeconds.WithLabelValues(spec.Role).Observe(time.Since(start).Seconds())
			if err != nil {
				readinessFailuresTotal.WithLabelValues(spec.Role).Inc()
				rec.Status = types.StatusFailed
				if perr := c.reg.Put(rec); perr != nil {
					c.log.Warn().Err(perr).Str("role", spec.Role).Msg("record update failed")
				}
				c.events.Publish(Event{Name: "readiness_failed", Role: spec.Role, Fields: map[string]any{"error": err.Error()}})
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					failedSpec = spec
				}
				mu.Unlock()
			}
		}(spec, rec)
	}
	wg.Wait()
	return failedSpec, firstErr
}

func (c *Controller) markHealthy(tier []types.ServiceSpec, recs map[string]types.ProcessRecord) {
	for _, spec := range tier {
		rec, ok := recs[spec.Role]
		if !ok {
			continue
		}
		rec.Status = types.StatusHealthy
		if err := c.reg.Put(rec); err != nil {
			c.log.Warn().Err(err).Str("role", spec.Role).Msg("record update failed")
		}
		c.events.Publish(Event{Name: "healthy", Role: spec.Role, Fields: map[string]any{"pid": rec.PID}})
	}
}

// degrade rolls back every started service in reverse tier order and surfaces
// the failure. Cleanup runs on a fresh context: a cancelled start must still
// tear down, never leaving orphaned processes.
func (c *Controller) degrade(failed types.ServiceSpec, started []types.ServiceSpec, cause error) error {
	c.transition(types.FleetDegraded)
	c.log.Error().Err(cause).Str("role", failed.Role).Int("started", len(started)).Msg("startup failed, rolling back")
	stopCtx, cancel := context.WithTimeout(context.Background(), rollbackBudget)
	defer cancel()
	if err := c.sup.StopAll(stopCtx, started, c.cfg.StopGrace()); err != nil {
		c.log.Error().Err(err).Msg("rollback incomplete")
	}
	return DegradedError{Role: failed.Role, LogPath: c.sup.LogPath(failed), Err: cause}
}

// Down stops the whole fleet in reverse tier order. When hardware inspection
// or profile selection is impossible, teardown order comes from the tiers
// persisted in the registry.
func (c *Controller) Down(ctx context.Context) error {
	c.transition(types.FleetStopping)
	specs, err := c.stopSpecs(ctx)
	if err != nil {
		return err
	}
	if err := c.sup.StopAll(ctx, specs, c.cfg.StopGrace()); err != nil {
		return err
	}
	c.transition(types.FleetStopped)
	return nil
}

// stopSpecs unions the resolved profile with the registry: records from an
// earlier invocation's profile (hardware or override drift) must still be
// torn down even when the current profile no longer names them.
func (c *Controller) stopSpecs(ctx context.Context) ([]types.ServiceSpec, error) {
	var specs []types.ServiceSpec
	if _, resolved, err := c.Resolve(ctx); err == nil {
		specs = resolved
	}
	recs, err := c.reg.Snapshot()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if _, ok := profile.Find(specs, r.Role); ok {
			continue
		}
		specs = append(specs, types.ServiceSpec{Role: r.Role, Tier: r.Tier, Probe: types.ProbeProcess})
	}
	return specs, nil
}
