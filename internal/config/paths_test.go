package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestGetBerthHomeOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BERTH_HOME", dir)

	if got := GetBerthHome(); got != dir {
		t.Fatalf("expected BERTH_HOME override %q, got %q", dir, got)
	}

	paths := GetPaths()
	if paths.StateDB != filepath.Join(dir, "state.db") {
		t.Fatalf("unexpected state db path %q", paths.StateDB)
	}
	if paths.BinDir != filepath.Join(dir, "bin") {
		t.Fatalf("unexpected bin dir %q", paths.BinDir)
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("BERTH_HOME", t.TempDir())

	paths, err := EnsureDirs()
	if err != nil {
		t.Fatalf("EnsureDirs returned error: %v", err)
	}

	for _, dir := range []string{paths.Home, paths.BinDir, paths.LogsDir, paths.Workspace, paths.TempDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

func TestRuntimeBinaryPath(t *testing.T) {
	t.Setenv("BERTH_HOME", t.TempDir())

	paths := GetPaths()
	path := paths.RuntimeBinaryPath()
	if runtime.GOOS == "windows" {
		if !strings.HasSuffix(path, RuntimeBinaryName+".exe") {
			t.Fatalf("expected .exe suffix on windows, got %q", path)
		}
	} else if filepath.Base(path) != RuntimeBinaryName {
		t.Fatalf("unexpected binary name in %q", path)
	}
	if filepath.Base(filepath.Dir(paths.TunnelBinaryPath())) != "bin" {
		t.Fatalf("tunnel binary not under bin dir: %q", paths.TunnelBinaryPath())
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	cases := map[string]string{
		"":          "",
		"~":         home,
		"~/ws":      filepath.Join(home, "ws"),
		"/abs/path": "/abs/path",
	}
	for in, want := range cases {
		if got := ExpandPath(in); got != want {
			t.Fatalf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
}
