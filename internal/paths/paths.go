package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "stevedore"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/stevedore or /run/user/<uid>/stevedore
//	macOS:   ~/Library/Caches/stevedore/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/stevedore/stevedore.sock
//	macOS:   ~/Library/Caches/stevedore/run/stevedore.sock
func Socket() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}

// Default path to the PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), daemonName+".pid")
}

// Default directory for layers, image metadata and containers.
//
//	Linux:   $XDG_DATA_HOME/stevedore or ~/.local/share/stevedore
//	macOS:   ~/Library/Application Support/stevedore
func Data() string {
	return filepath.Join(xdg.DataHome, daemonName)
}

// Directory holding layer blobs under dataDir.
func Layers(dataDir string) string {
	return filepath.Join(dataDir, "layers")
}

// Directory holding container state under dataDir.
func Containers(dataDir string) string {
	return filepath.Join(dataDir, "containers")
}

// Scratch directory for builds under dataDir.
func Builds(dataDir string) string {
	return filepath.Join(dataDir, "builds")
}
