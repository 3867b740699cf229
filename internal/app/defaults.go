package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults holds the resolved application paths. Environment variables
// override the XDG-style locations under the home directory:
//   - BOXD_CONFIG_PATH: config file (default ~/.config/boxd.toml)
//   - BOXD_HOME: base directory for boxd data (default ~/.local/share/boxd)
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// ResolveDefaults computes the application paths for this environment.
func ResolveDefaults() (Defaults, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Defaults{}, fmt.Errorf("cannot determine home directory: %w", err)
	}

	d := Defaults{
		ConfigPath: filepath.Join(home, ".config", "boxd.toml"),
		BaseDir:    filepath.Join(home, ".local", "share", "boxd"),
	}
	if path := os.Getenv("BOXD_CONFIG_PATH"); path != "" {
		d.ConfigPath = path
	}
	if path := os.Getenv("BOXD_HOME"); path != "" {
		d.BaseDir = path
	}
	d.LogDir = filepath.Join(d.BaseDir, "log")
	return d, nil
}
