package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the orchestrator.
// Zero values mean "unspecified" and are replaced by defaults in Normalize.
type Config struct {
	// StateDir hosts the durable PID registry.
	StateDir string `json:"state_dir" yaml:"state_dir" toml:"state_dir"`
	// LogDir receives per-service log files when a spec has no log_path.
	LogDir string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
	// ProfilePath, when set, bypasses hardware-based profile selection.
	ProfilePath string `json:"profile_path" yaml:"profile_path" toml:"profile_path"`
	// BrokerURL is the task-queue broker checked by the health aggregator.
	BrokerURL string `json:"broker_url" yaml:"broker_url" toml:"broker_url"`
	// DatastorePath is the opaque datastore location checked for reachability.
	DatastorePath string `json:"datastore_path" yaml:"datastore_path" toml:"datastore_path"`
	// ListenAddr is the status HTTP address used by `fleet watch`.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	// CORSOrigins are the origins allowed to read the status surface.
	// Empty leaves CORS off.
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	// ThresholdHighBytes splits single-device profiles into max/lite.
	ThresholdHighBytes uint64 `json:"threshold_high_bytes" yaml:"threshold_high_bytes" toml:"threshold_high_bytes"`
	// ReadyTimeoutSec bounds each service's readiness wait.
	ReadyTimeoutSec int `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
	// PollIntervalMS is the readiness poll cadence.
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	// StopGraceSec bounds graceful termination before escalation.
	StopGraceSec int `json:"stop_grace_sec" yaml:"stop_grace_sec" toml:"stop_grace_sec"`
	// HealthIntervalSec is the background aggregator cadence.
	HealthIntervalSec int `json:"health_interval_sec" yaml:"health_interval_sec" toml:"health_interval_sec"`
}

const (
	defaultStateDir           = "/var/lib/fleetd"
	defaultLogDir             = "/var/log/fleetd"
	defaultBrokerURL          = "redis://localhost:6379/0"
	defaultDatastorePath      = "/var/lib/fleetd/fleet.db"
	defaultListenAddr         = ":8090"
	defaultThresholdHighBytes = 90 << 30
	defaultReadyTimeoutSec    = 180
	defaultPollIntervalMS     = 500
	defaultStopGraceSec       = 10
	defaultHealthIntervalSec  = 300
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills unset fields with defaults and returns the result.
func (c Config) Normalize() Config {
	if c.StateDir == "" {
		c.StateDir = defaultStateDir
	}
	if c.LogDir == "" {
		c.LogDir = defaultLogDir
	}
	if c.BrokerURL == "" {
		c.BrokerURL = defaultBrokerURL
	}
	if c.DatastorePath == "" {
		c.DatastorePath = defaultDatastorePath
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.ThresholdHighBytes == 0 {
		c.ThresholdHighBytes = defaultThresholdHighBytes
	}
	if c.ReadyTimeoutSec <= 0 {
		c.ReadyTimeoutSec = defaultReadyTimeoutSec
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = defaultPollIntervalMS
	}
	if c.StopGraceSec <= 0 {
		c.StopGraceSec = defaultStopGraceSec
	}
	if c.HealthIntervalSec <= 0 {
		c.HealthIntervalSec = defaultHealthIntervalSec
	}
	return c
}

// ReadyTimeout returns the per-service readiness budget as a duration.
func (c Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSec) * time.Second
}

// PollInterval returns the readiness poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StopGrace returns the graceful-stop budget as a duration.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSec) * time.Second
}

// HealthInterval returns the aggregator cadence as a duration.
func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}
