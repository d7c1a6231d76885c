package fleet

import (
	"io"
	"os"

	"fleetd/internal/hardware"
	"fleetd/internal/profile"
)

// DegradedError signals that one or more services failed readiness or spawn
// during startup; the fleet was rolled back before this surfaced.
type DegradedError struct {
	Role    string
	LogPath string
	Err     error
}

func (e DegradedError) Error() string { return "fleet degraded: " + e.Role + ": " + e.Err.Error() }
func (e DegradedError) Unwrap() error { return e.Err }

// IsDegraded reports whether err indicates a degraded startup.
func IsDegraded(err error) bool {
	_, ok := err.(DegradedError)
	return ok
}

// ExitCode maps an error to the CLI exit code contract: 0 success, 1
// hardware/profile/pre-start failure, 2 readiness or spawn failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsDegraded(err):
		return 2
	case hardware.IsUnavailable(err), profile.IsNoProfile(err), profile.IsMalformed(err):
		return 1
	default:
		return 1
	}
}

// LogTail returns up to maxBytes from the end of a service log, for the CLI
// to print alongside a readiness failure. Missing logs yield an empty string.
func LogTail(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, io.SeekEnd); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(b)
}
