package node

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/Zollkron/gamerchain-sub000/core"
)

const (
	// DefaultListenAddr is the TCP address the networking layer binds when
	// the configuration leaves it unset through the command line defaults.
	DefaultListenAddr = ":42100"

	// DefaultHTTPAddr is the loopback address of the HTTP API when one is
	// enabled without an explicit address.
	DefaultHTTPAddr = "127.0.0.1:8560"
)

// DefaultConfig holds the supervisor settings shared by every network.
// Callers copy it and fill in the chain configuration and the node key.
var DefaultConfig = Config{
	Name:            "gprgld",
	ListenAddr:      DefaultListenAddr,
	MaxPeers:        25,
	DatabaseCache:   128,
	DatabaseHandles: 256,
	Pool:            core.DefaultTxPoolConfig,
}

// DefaultDataDir is the default data directory to use for the databases and
// other persistence requirements.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := homeDir()
	if home == "" {
		// As we cannot guess a stable location, return empty and handle later
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Gamerchain")
	case "windows":
		appdata := os.Getenv("LOCALAPPDATA")
		if appdata == "" {
			return filepath.Join(home, "AppData", "Local", "Gamerchain")
		}
		return filepath.Join(appdata, "Gamerchain")
	default:
		return filepath.Join(home, ".gamerchain")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}
