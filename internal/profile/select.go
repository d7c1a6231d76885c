package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"fleetd/pkg/types"
)

// NoProfileError signals that no selection rule matched the snapshot.
type NoProfileError struct{ Devices int }

func (e NoProfileError) Error() string {
	return fmt.Sprintf("no deployment profile matches hardware (%d devices)", e.Devices)
}

// IsNoProfile reports whether err indicates an unmatched hardware snapshot.
func IsNoProfile(err error) bool {
	_, ok := err.(NoProfileError)
	return ok
}

// SelectOptions parameterizes hardware-based selection.
type SelectOptions struct {
	// OverridePath, when set and resolvable, wins unconditionally. The file's
	// contents are parsed but not validated against hardware; the operator has
	// asserted correctness.
	OverridePath string
	// ThresholdHighBytes splits single-device selection into max/lite.
	ThresholdHighBytes uint64
}

// rule is one entry in the ordered selection table; first match wins.
// Additional hardware classes are added here.
type rule struct {
	name  string
	match func(snap types.HardwareSnapshot, opts SelectOptions) bool
	build func(snap types.HardwareSnapshot) types.DeploymentProfile
}

var rules = []rule{
	{
		name:  "multi-device",
		match: func(s types.HardwareSnapshot, _ SelectOptions) bool { return s.DeviceCount() >= 2 },
		build: func(s types.HardwareSnapshot) types.DeploymentProfile { return multiGPU(s.DeviceCount()) },
	},
	{
		name: "single-device-high-memory",
		match: func(s types.HardwareSnapshot, o SelectOptions) bool {
			return s.DeviceCount() == 1 && s.MinDeviceMemoryBytes() >= o.ThresholdHighBytes
		},
		build: func(types.HardwareSnapshot) types.DeploymentProfile { return singleGPUMax() },
	},
	{
		name:  "single-device",
		match: func(s types.HardwareSnapshot, _ SelectOptions) bool { return s.DeviceCount() == 1 },
		build: func(types.HardwareSnapshot) types.DeploymentProfile { return singleGPULite() },
	},
}

// Select maps a hardware snapshot to a deployment profile. Evaluation is pure
// and total given a non-degenerate snapshot; a zero-device snapshot yields
// NoProfileError.
func Select(snap types.HardwareSnapshot, opts SelectOptions) (types.DeploymentProfile, error) {
	if opts.OverridePath != "" {
		return LoadFile(opts.OverridePath)
	}
	for _, r := range rules {
		if r.match(snap, opts) {
			return r.build(snap), nil
		}
	}
	return types.DeploymentProfile{}, NoProfileError{Devices: snap.DeviceCount()}
}

// LoadFile reads a deployment profile document (.yaml/.yml/.json/.toml).
func LoadFile(path string) (types.DeploymentProfile, error) {
	var p types.DeploymentProfile
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("profile override: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &p)
	case ".json":
		err = json.Unmarshal(b, &p)
	case ".toml":
		err = toml.Unmarshal(b, &p)
	default:
		return p, fmt.Errorf("unsupported profile extension: %s", ext)
	}
	if err != nil {
		return p, MalformedError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}
