package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// RuntimeBinaryName is the file name of the supervised agent-runtime binary.
const RuntimeBinaryName = "agentd"

// TunnelBinaryName is the file name of the tunnel client binary.
const TunnelBinaryName = "cloudflared"

// Paths contains the on-disk layout for a Berth installation.
type Paths struct {
	Home      string // Berth home directory (~/.berth)
	StateDB   string // SQLite state store path
	BinDir    string // Downloaded binaries directory
	LogsDir   string // Logs directory
	Workspace string // Default workspace root directory
	TempDir   string // Temporary files (partial downloads)
}

// GetPaths returns the directory layout rooted at the Berth home.
func GetPaths() Paths {
	home := GetBerthHome()
	return Paths{
		Home:      home,
		StateDB:   filepath.Join(home, "state.db"),
		BinDir:    filepath.Join(home, "bin"),
		LogsDir:   filepath.Join(home, "logs"),
		Workspace: filepath.Join(home, "workspace"),
		TempDir:   filepath.Join(home, "tmp"),
	}
}

// GetBerthHome returns the Berth home directory (~/.berth), honouring the
// BERTH_HOME override.
func GetBerthHome() string {
	if override := os.Getenv("BERTH_HOME"); override != "" {
		return override
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".berth")
}

// RuntimeBinaryPath returns the install location for the agent-runtime binary.
func (p Paths) RuntimeBinaryPath() string {
	return p.binaryPath(RuntimeBinaryName)
}

// TunnelBinaryPath returns the install location for the tunnel client binary.
func (p Paths) TunnelBinaryPath() string {
	return p.binaryPath(TunnelBinaryName)
}

func (p Paths) binaryPath(name string) string {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(p.BinDir, name)
}

// EnsureDirs creates the Berth directory structure if it does not exist.
func EnsureDirs() (Paths, error) {
	paths := GetPaths()

	dirs := []string{
		paths.Home,
		paths.BinDir,
		paths.LogsDir,
		paths.Workspace,
		paths.TempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
