package types

import "time"

// Device is one enumerated accelerator.
type Device struct {
	// Zero-based accelerator index as reported by the driver.
	Index int `json:"index"`
	// Marketing name, e.g. "NVIDIA A100-SXM4-80GB".
	Name string `json:"name"`
	// Total device memory in bytes.
	MemoryTotalBytes uint64 `json:"memory_total_bytes"`
}

// HardwareSnapshot is the result of one accelerator enumeration pass.
// It is captured fresh on every orchestrator invocation and never cached.
type HardwareSnapshot struct {
	Devices    []Device  `json:"devices"`
	CapturedAt time.Time `json:"captured_at"`
}

// DeviceCount returns the number of enumerated accelerators.
func (s HardwareSnapshot) DeviceCount() int { return len(s.Devices) }

// TotalMemoryBytes sums memory across all devices.
func (s HardwareSnapshot) TotalMemoryBytes() uint64 {
	var total uint64
	for _, d := range s.Devices {
		total += d.MemoryTotalBytes
	}
	return total
}

// MinDeviceMemoryBytes returns the smallest per-device memory, or 0 when
// the snapshot has no devices. Selection rules compare against the weakest
// device so a heterogeneous pair never over-commits.
func (s HardwareSnapshot) MinDeviceMemoryBytes() uint64 {
	var min uint64
	for i, d := range s.Devices {
		if i == 0 || d.MemoryTotalBytes < min {
			min = d.MemoryTotalBytes
		}
	}
	return min
}

// ProbeKind selects the readiness check applied to a service.
type ProbeKind string

const (
	// ProbeHTTP polls GET http://127.0.0.1:{port}{probe_path} for a 2xx.
	ProbeHTTP ProbeKind = "http"
	// ProbeTCP dials the service port.
	ProbeTCP ProbeKind = "tcp"
	// ProbeProcess checks that the spawned pid is still alive.
	ProbeProcess ProbeKind = "process"
)

// ServiceSpec describes one process in a deployment profile. Command holds
// the fully rendered argv (the loader substitutes template placeholders).
type ServiceSpec struct {
	Role        string    `json:"role" yaml:"role" toml:"role"`
	Command     []string  `json:"command" yaml:"command" toml:"command"`
	Port        int       `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
	MemoryShare float64   `json:"memory_share,omitempty" yaml:"memory_share,omitempty" toml:"memory_share,omitempty"`
	Parallelism int       `json:"parallelism,omitempty" yaml:"parallelism,omitempty" toml:"parallelism,omitempty"`
	Tier        int       `json:"tier" yaml:"tier" toml:"tier"`
	LogPath     string    `json:"log_path,omitempty" yaml:"log_path,omitempty" toml:"log_path,omitempty"`
	PIDPath     string    `json:"pid_path,omitempty" yaml:"pid_path,omitempty" toml:"pid_path,omitempty"`
	Probe       ProbeKind `json:"probe" yaml:"probe" toml:"probe"`
	// ProbePath is the HTTP path polled when Probe == ProbeHTTP.
	ProbePath string `json:"probe_path,omitempty" yaml:"probe_path,omitempty" toml:"probe_path,omitempty"`
	// DependsOn names roles this service requires; their tiers must all be
	// strictly lower than this spec's tier.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
	// SharesPortWith declares roles allowed to collide with this spec's port
	// (co-located behind one process). Without the declaration a port
	// collision is a validation error.
	SharesPortWith []string `json:"shares_port_with,omitempty" yaml:"shares_port_with,omitempty" toml:"shares_port_with,omitempty"`
	// Aliases is filled by the loader when several logical roles dedup onto
	// one physical process; lookups succeed under any alias.
	Aliases []string `json:"aliases,omitempty" yaml:"-" toml:"-"`
}

// DeploymentProfile is a named, statically declared bundle of service specs.
type DeploymentProfile struct {
	Name     string        `json:"name" yaml:"name" toml:"name"`
	Services []ServiceSpec `json:"services" yaml:"services" toml:"services"`
}

// ProcessStatus is the lifecycle state of one supervised service.
type ProcessStatus string

const (
	StatusStarting  ProcessStatus = "starting"
	StatusHealthy   ProcessStatus = "healthy"
	StatusUnhealthy ProcessStatus = "unhealthy"
	StatusStopped   ProcessStatus = "stopped"
	StatusFailed    ProcessStatus = "failed"
)

// ProcessRecord is the durable per-role registry entry. Tier is persisted so
// teardown can be ordered from the registry alone after an orchestrator crash.
type ProcessRecord struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	PID       int           `json:"pid"`
	StartTime time.Time     `json:"start_time"`
	Status    ProcessStatus `json:"status"`
	Tier      int           `json:"tier"`
	Aliases   []string      `json:"aliases,omitempty"`
}

// FleetState is the controller's coarse fleet-level state.
type FleetState string

const (
	FleetIdle            FleetState = "idle"
	FleetInspecting      FleetState = "inspecting"
	FleetProfileSelected FleetState = "profile_selected"
	FleetStarting        FleetState = "starting"
	FleetAllHealthy      FleetState = "all_healthy"
	FleetRunning         FleetState = "running"
	FleetStopping        FleetState = "stopping"
	FleetStopped         FleetState = "stopped"
	FleetDegraded        FleetState = "degraded"
)

// RoleHealth pairs a role's registry view with its latest probe outcome.
type RoleHealth struct {
	Role   string        `json:"role"`
	PID    int           `json:"pid,omitempty"`
	Tier   int           `json:"tier"`
	Status ProcessStatus `json:"status"`
}

// FleetStatus is the aggregate view produced on demand by the health
// aggregator. It is never persisted.
type FleetStatus struct {
	Profile            string       `json:"profile,omitempty"`
	Roles              []RoleHealth `json:"roles"`
	BrokerReachable    bool         `json:"broker_reachable"`
	DatastoreReachable bool         `json:"datastore_reachable"`
	CapturedAt         time.Time    `json:"captured_at"`
}

// Healthy reports whether every role is healthy and both auxiliary
// dependencies are reachable.
func (f FleetStatus) Healthy() bool {
	if !f.BrokerReachable || !f.DatastoreReachable {
		return false
	}
	for _, r := range f.Roles {
		if r.Status != StatusHealthy {
			return false
		}
	}
	return len(f.Roles) > 0
}
