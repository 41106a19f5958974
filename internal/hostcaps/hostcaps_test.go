package hostcaps

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestParseCPUs(t *testing.T) {
	out := "Available CPUs:\nx86         qemu64  (alias configured by machine type)\nx86         host\n"
	res := parseCPUs(bytes.NewReader([]byte(out)))
	if !res["qemu64"] || !res["host"] {
		t.Errorf("parseCPUs = %v, want qemu64 and host present", res)
	}
}

func TestParseMachines(t *testing.T) {
	out := "Supported machines are:\npc            Standard PC (i440FX + PIIX, 1996) (alias of pc-i440fx-7.2)\nq35           Standard PC (Q35 + ICH9, 2009)\n"
	res := parseMachines(bytes.NewReader([]byte(out)))
	if !res["pc"] || !res["q35"] {
		t.Errorf("parseMachines = %v, want pc and q35 present", res)
	}
}

func TestParseNICs(t *testing.T) {
	out := "some preamble\nNetwork devices:\nname \"virtio-net-pci\", bus PCI\nname \"e1000\", bus PCI\n"
	res := parseNICs(bytes.NewReader([]byte(out)))
	if !res["virtio-net-pci"] || !res["e1000"] {
		t.Errorf("parseNICs = %v, want virtio-net-pci and e1000 present", res)
	}
}

func TestRequireCPU(t *testing.T) {
	supported := map[string]bool{"qemu64": true}
	if err := RequireCPU(supported, "qemu64"); err != nil {
		t.Errorf("RequireCPU(qemu64): %v", err)
	}
	if err := RequireCPU(supported, "made-up-model"); err == nil {
		t.Error("expected error for unsupported CPU model")
	}
}

// fakeQemuBinary writes an executable shell script that always prints out
// and exits 0, standing in for a real qemu-system binary's "-cpu ?"/"-M
// ?"/"-device ?" self-description output.
func fakeQemuBinary(t *testing.T, out string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake shell script probing requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-qemu")
	script := "#!/bin/sh\ncat <<'EOF'\n" + out + "\nEOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProberCPUsCachesResult(t *testing.T) {
	bin := fakeQemuBinary(t, "Available CPUs:\nx86         qemu64")
	p := NewProber(bin)

	res, err := p.CPUs(context.Background(), "pc")
	if err != nil {
		t.Fatalf("CPUs: %v", err)
	}
	if !res["qemu64"] {
		t.Fatalf("CPUs = %v, want qemu64", res)
	}

	// Break the binary after the first call; a cached result must still
	// come back without re-invoking it.
	if err := os.Remove(bin); err != nil {
		t.Fatal(err)
	}
	res2, err := p.CPUs(context.Background(), "pc")
	if err != nil {
		t.Fatalf("cached CPUs: %v", err)
	}
	if !res2["qemu64"] {
		t.Fatalf("cached CPUs = %v, want qemu64", res2)
	}
}

func TestProberMachines(t *testing.T) {
	bin := fakeQemuBinary(t, "Supported machines are:\npc Standard PC\nq35 Standard PC Q35")
	p := NewProber(bin)

	res, err := p.Machines(context.Background())
	if err != nil {
		t.Fatalf("Machines: %v", err)
	}
	if !res["pc"] || !res["q35"] {
		t.Errorf("Machines = %v", res)
	}
}
