package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, environment variables taking
// precedence:
//   - CALSYNC_CONFIG_PATH: config file location (default: ~/.config/calsync.toml)
//   - CALSYNC_HOME: base directory for calsync data; when unset, XDG_DATA_HOME
//     is honored before falling back to ~/.local/share/calsync
//
// token_dir is where per-tenant Google refresh tokens land; it lives under the
// base directory so one CALSYNC_HOME relocates everything, including in
// containers with no meaningful home directory.
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"token_dir":   filepath.Join(baseDir, "tokens"),
	}, nil
}

// getConfigPath returns the config file path, checking CALSYNC_CONFIG_PATH env
// var first, then falling back to the default ~/.config/calsync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("CALSYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "calsync.toml"), nil
}

// getBaseDir returns the base directory for calsync data: CALSYNC_HOME, then
// XDG_DATA_HOME/calsync, then ~/.local/share/calsync.
func getBaseDir() (string, error) {
	if path := os.Getenv("CALSYNC_HOME"); path != "" {
		return path, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "calsync"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "calsync"), nil
}
