// Package health aggregates per-role probe results with broker and datastore
// reachability into one fleet-wide status view. It observes and reports; it
// never restarts anything.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetd/internal/config"
	"fleetd/internal/probe"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

// Resolver yields the active profile and its rendered service specs.
// fleet.Controller.Resolve satisfies it.
type Resolver func(ctx context.Context) (types.DeploymentProfile, []types.ServiceSpec, error)

// Checker is the single-shot probe surface the aggregator needs.
type Checker interface {
	Check(ctx context.Context, t probe.Target) bool
}

type Aggregator struct {
	cfg     config.Config
	reg     *registry.Registry
	prober  Checker
	resolve Resolver
	log     zerolog.Logger

	brokerCheck func(ctx context.Context, url string) error
	storeCheck  func(path string) error

	mu      sync.RWMutex
	last    types.FleetStatus
	hasLast bool
}

func New(cfg config.Config, reg *registry.Registry, prober Checker, resolve Resolver, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		cfg:         cfg,
		reg:         reg,
		prober:      prober,
		resolve:     resolve,
		log:         log.With().Str("component", "health").Logger(),
		brokerCheck: probe.CheckBroker,
		storeCheck:  probe.CheckDatastore,
	}
}

// Collect takes one status snapshot: every known role is probed once, then
// broker and datastore reachability are checked. A role whose probe fails is
// flipped to unhealthy in the registry so the durable view matches what the
// snapshot reported.
func (a *Aggregator) Collect(ctx context.Context) types.FleetStatus {
	status := types.FleetStatus{CapturedAt: time.Now().UTC()}

	prof, specs, err := a.resolve(ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("profile unavailable, falling back to registry")
		status.Roles = a.registryRoles(ctx)
	} else {
		status.Profile = prof.Name
		status.Roles = a.specRoles(ctx, specs)
	}

	status.BrokerReachable = a.brokerCheck(ctx, a.cfg.BrokerURL) == nil
	status.DatastoreReachable = a.storeCheck(a.cfg.DatastorePath) == nil

	a.mu.Lock()
	a.last = status
	a.hasLast = true
	a.mu.Unlock()
	return status
}

// specRoles probes every spec'd role against its registry record.
func (a *Aggregator) specRoles(ctx context.Context, specs []types.ServiceSpec) []types.RoleHealth {
	roles := make([]types.RoleHealth, 0, len(specs))
	for _, spec := range specs {
		rh := types.RoleHealth{Role: spec.Role, Tier: spec.Tier, Status: types.StatusStopped}
		rec, ok, err := a.reg.Live(spec.Role)
		if err != nil {
			a.log.Warn().Err(err).Str("role", spec.Role).Msg("registry read failed")
		}
		if ok {
			rh.PID = rec.PID
			rh.Status = a.observe(ctx, spec, rec)
		}
		roles = append(roles, rh)
	}
	return roles
}

// registryRoles builds the role list from durable records alone; without
// specs only a process liveness check is possible.
func (a *Aggregator) registryRoles(ctx context.Context) []types.RoleHealth {
	recs, err := a.reg.Snapshot()
	if err != nil {
		a.log.Warn().Err(err).Msg("registry snapshot failed")
		return nil
	}
	roles := make([]types.RoleHealth, 0, len(recs))
	for _, rec := range recs {
		spec := types.ServiceSpec{Role: rec.Role, Tier: rec.Tier, Probe: types.ProbeProcess}
		roles = append(roles, types.RoleHealth{
			Role:   rec.Role,
			PID:    rec.PID,
			Tier:   rec.Tier,
			Status: a.observe(ctx, spec, rec),
		})
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Role < roles[j].Role })
	return roles
}

// observe runs the role's probe once and persists a healthy/unhealthy flip.
func (a *Aggregator) observe(ctx context.Context, spec types.ServiceSpec, rec types.ProcessRecord) types.ProcessStatus {
	next := types.StatusHealthy
	if !a.prober.Check(ctx, probe.TargetFor(spec, rec.PID)) {
		next = types.StatusUnhealthy
	}
	if next != rec.Status && (rec.Status == types.StatusHealthy || rec.Status == types.StatusUnhealthy) {
		rec.Status = next
		if err := a.reg.Put(rec); err != nil {
			a.log.Warn().Err(err).Str("role", rec.Role).Msg("record update failed")
		}
		if next == types.StatusUnhealthy {
			a.log.Warn().Str("role", rec.Role).Int("pid", rec.PID).Msg("role unhealthy")
		} else {
			a.log.Info().Str("role", rec.Role).Int("pid", rec.PID).Msg("role recovered")
		}
	}
	return next
}

// Last returns the most recent snapshot, if any cycle has completed.
func (a *Aggregator) Last() (types.FleetStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.hasLast
}

// Run collects immediately and then on every interval tick until ctx ends.
func (a *Aggregator) Run(ctx context.Context) {
	a.Collect(ctx)
	ticker := time.NewTicker(a.cfg.HealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Collect(ctx)
		}
	}
}
