package profile

import (
	"os"
	"path/filepath"
	"testing"

	"fleetd/pkg/types"
)

func snapshotOf(memBytes ...uint64) types.HardwareSnapshot {
	var devs []types.Device
	for i, m := range memBytes {
		devs = append(devs, types.Device{Index: i, Name: "gpu", MemoryTotalBytes: m})
	}
	return types.HardwareSnapshot{Devices: devs}
}

func defaultOpts() SelectOptions {
	return SelectOptions{ThresholdHighBytes: 90 << 30}
}

func TestSelectMultiDevice(t *testing.T) {
	// Two devices select multi-gpu regardless of per-device memory.
	for _, mem := range []uint64{8 << 30, 95 << 30} {
		p, err := Select(snapshotOf(mem, mem), defaultOpts())
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if p.Name != "multi-gpu" {
			t.Fatalf("expected multi-gpu for mem=%d, got %s", mem, p.Name)
		}
	}
}

func TestSelectMultiDevicePrimaryParallelism(t *testing.T) {
	p, err := Select(snapshotOf(95<<30, 95<<30), defaultOpts())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	specs, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	primary, ok := Find(specs, RolePrimaryModel)
	if !ok {
		t.Fatalf("primary model missing from multi-gpu profile")
	}
	if primary.Parallelism != 2 {
		t.Fatalf("expected parallelism 2, got %d", primary.Parallelism)
	}
}

func TestSelectSingleDeviceHighMemory(t *testing.T) {
	p, err := Select(snapshotOf(95<<30), defaultOpts())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.Name != "single-gpu-max" {
		t.Fatalf("expected single-gpu-max, got %s", p.Name)
	}
}

func TestSelectSingleDeviceConservative(t *testing.T) {
	// 40GB device against a 90GB threshold lands on the lite profile.
	p, err := Select(snapshotOf(40<<30), defaultOpts())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.Name != "single-gpu-lite" {
		t.Fatalf("expected single-gpu-lite, got %s", p.Name)
	}
}

func TestSelectNoDevices(t *testing.T) {
	_, err := Select(snapshotOf(), defaultOpts())
	if !IsNoProfile(err) {
		t.Fatalf("expected NoProfileError, got %v", err)
	}
}

func TestSelectOverrideWins(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, "custom.yaml")
	doc := "name: custom\nservices:\n  - role: only\n    command: [\"sleep\", \"1\"]\n    tier: 1\n    probe: process\n"
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	// Override applies even when hardware would select nothing at all.
	got, err := Select(snapshotOf(), SelectOptions{OverridePath: p, ThresholdHighBytes: 90 << 30})
	if err != nil {
		t.Fatalf("select with override: %v", err)
	}
	if got.Name != "custom" || len(got.Services) != 1 || got.Services[0].Role != "only" {
		t.Fatalf("unexpected override profile: %+v", got)
	}
}

func TestSelectOverrideMissingFile(t *testing.T) {
	_, err := Select(snapshotOf(40<<30), SelectOptions{OverridePath: "/nonexistent/p.yaml", ThresholdHighBytes: 90 << 30})
	if err == nil {
		t.Fatalf("expected error for unresolvable override path")
	}
}

func TestLoadFileFormats(t *testing.T) {
	d := t.TempDir()
	jsonPath := filepath.Join(d, "p.json")
	if err := os.WriteFile(jsonPath, []byte(`{"name":"j","services":[{"role":"a","command":["x"],"tier":0,"probe":"process"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if p.Name != "j" {
		t.Fatalf("unexpected name %q", p.Name)
	}

	badPath := filepath.Join(d, "p.yaml")
	if err := os.WriteFile(badPath, []byte(":\t not yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(badPath); !IsMalformed(err) {
		t.Fatalf("expected MalformedError for bad yaml, got %v", err)
	}

	if _, err := LoadFile(filepath.Join(d, "p.ini")); err == nil {
		t.Fatalf("expected error for unsupported extension")
	}
}

func TestBuiltinProfilesAllLoad(t *testing.T) {
	for _, p := range []types.DeploymentProfile{multiGPU(2), singleGPUMax(), singleGPULite()} {
		if _, err := Load(p); err != nil {
			t.Fatalf("builtin profile %s fails validation: %v", p.Name, err)
		}
	}
}
