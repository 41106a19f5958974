package hostctx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasConventionalPaths(t *testing.T) {
	ctx := Default()
	if ctx.NodeName == "" || ctx.RuntimeDir == "" || ctx.ConfigDir == "" {
		t.Fatalf("Default() left required fields empty: %+v", ctx)
	}
	if ctx.DefaultMonitorTimeout <= 0 {
		t.Errorf("DefaultMonitorTimeout = %v, want positive", ctx.DefaultMonitorTimeout)
	}
}

func TestLoadFallsBackToDefaultsWithoutConfigFile(t *testing.T) {
	ctx, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ctx.NodeName != Default().NodeName {
		t.Errorf("NodeName = %q, want default %q", ctx.NodeName, Default().NodeName)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	body := "node_name: test-node\nruntime_dir: /tmp/vmctl-test\n"
	if err := os.WriteFile(filepath.Join(dir, "vmctl.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ctx.NodeName != "test-node" {
		t.Errorf("NodeName = %q, want test-node", ctx.NodeName)
	}
	if ctx.RuntimeDir != "/tmp/vmctl-test" {
		t.Errorf("RuntimeDir = %q, want /tmp/vmctl-test", ctx.RuntimeDir)
	}
	// Values not present in the file should keep their defaults.
	if ctx.ConfigDir != Default().ConfigDir {
		t.Errorf("ConfigDir = %q, want default %q", ctx.ConfigDir, Default().ConfigDir)
	}
}

func TestLoadWithNoSearchPathsUsesDefaults(t *testing.T) {
	ctx, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ctx.NodeName != Default().NodeName {
		t.Errorf("NodeName = %q, want default %q", ctx.NodeName, Default().NodeName)
	}
}
