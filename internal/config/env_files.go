package config

import (
	"path/filepath"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env from the working directory and the config
// directory. Variables already set are not overridden; missing files are ignored.
func LoadEnvFiles() {
	_ = godotenv.Load(constants.ConfigEnvFileName)

	if configDir, err := ConfigDir(); err == nil {
		_ = godotenv.Load(filepath.Join(configDir, constants.ConfigEnvFileName))
	}
}
