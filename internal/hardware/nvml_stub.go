//go:build !linux || !cgo

package hardware

import "fleetd/pkg/types"

func nvmlDevices() ([]types.Device, error) {
	return nil, UnavailableError{Reason: "nvml requires linux with cgo"}
}
