//go:build linux && cgo

package hardware

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"fleetd/pkg/types"
)

// nvmlDevices enumerates accelerators via NVML. NVML return codes are plain
// ints, not errors, so they are compared against nvml.SUCCESS directly.
func nvmlDevices() ([]types.Device, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, UnavailableError{Reason: fmt.Sprintf("nvml init: %v", nvml.ErrorString(ret))}
	}
	defer func() {
		_ = nvml.Shutdown()
	}()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, UnavailableError{Reason: fmt.Sprintf("device count: %v", nvml.ErrorString(ret))}
	}

	devices := make([]types.Device, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("device %d handle: %v", i, nvml.ErrorString(ret))
		}
		name, ret := dev.GetName()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("device %d name: %v", i, nvml.ErrorString(ret))
		}
		mem, ret := dev.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("device %d memory: %v", i, nvml.ErrorString(ret))
		}
		devices = append(devices, types.Device{Index: i, Name: name, MemoryTotalBytes: mem.Total})
	}
	return devices, nil
}
