package hardware

import (
	"context"
	"time"

	"fleetd/pkg/types"
)

// Inspector enumerates accelerator devices. Capture is read-only and must be
// called fresh on every orchestrator invocation; snapshots are never cached.
type Inspector interface {
	Capture(ctx context.Context) (types.HardwareSnapshot, error)
}

// UnavailableError signals that the enumeration facility itself is absent
// (no driver, no NVML). Callers must treat this as fatal for any profile
// requiring acceleration rather than fall back to a zero-device snapshot.
type UnavailableError struct{ Reason string }

func (e UnavailableError) Error() string { return "hardware unavailable: " + e.Reason }

// IsUnavailable reports whether err indicates an absent enumeration facility.
func IsUnavailable(err error) bool {
	_, ok := err.(UnavailableError)
	return ok
}

// NVMLInspector enumerates devices through the NVIDIA Management Library.
// On builds without cgo or off Linux, Capture returns UnavailableError.
type NVMLInspector struct{}

func NewNVMLInspector() *NVMLInspector { return &NVMLInspector{} }

func (i *NVMLInspector) Capture(_ context.Context) (types.HardwareSnapshot, error) {
	devices, err := nvmlDevices()
	if err != nil {
		return types.HardwareSnapshot{}, err
	}
	return types.HardwareSnapshot{Devices: devices, CapturedAt: time.Now().UTC()}, nil
}

// Static returns a fixed snapshot; used by tests and dry runs.
type Static struct {
	Devices []types.Device
	Err     error
}

func (s Static) Capture(_ context.Context) (types.HardwareSnapshot, error) {
	if s.Err != nil {
		return types.HardwareSnapshot{}, s.Err
	}
	out := make([]types.Device, len(s.Devices))
	copy(out, s.Devices)
	return types.HardwareSnapshot{Devices: out, CapturedAt: time.Now().UTC()}, nil
}
