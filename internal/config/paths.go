package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hgmo/hgdeploy/internal/constants"
)

func ensureDir(dirPath string) error {
	return os.MkdirAll(dirPath, constants.ModeDirPrivate)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

// DataDir holds the run history database. HGDEPLOY_DATA_DIR overrides it.
func DataDir() (string, error) {
	if envPath, ok := os.LookupEnv(constants.EnvVarDataDir); ok && envPath != "" {
		return expandHome(envPath)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", constants.AppName), nil
}

// ConfigDir returns the hgdeploy configuration directory, creating it if needed.
func ConfigDir() (string, error) {
	path := ""
	if envPath, ok := os.LookupEnv(constants.EnvVarConfigDir); ok && envPath != "" {
		expanded, err := expandHome(envPath)
		if err != nil {
			return "", err
		}
		path = expanded
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, ".config", constants.AppName)
	}

	if err := ensureDir(path); err != nil {
		return "", err
	}
	return path, nil
}
