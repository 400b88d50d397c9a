package constants

import (
	"os"
	"time"
)

const (
	AppName = "hgdeploy"

	DefaultApprovedPhase = "public"
	DefaultRecordPath    = "/etc/hgdeploy/deployed_rev"
	DefaultRepoPath      = "/repo/hg/mozilla/hgcustom/version-control-tools"
	DefaultSecretsDir    = "/etc/hgdeploy/secrets"
	DefaultHgBinary      = "hg"
	DefaultSSHPort       = 22
	DefaultSSHTimeout    = 10 * time.Second
	DefaultParallelism   = 4
	DefaultRunsToKeep    = 50
	DefaultKeyringName   = "hgdeploy"
	DefaultNotifyChannel = "#vcs"

	// Environment variables
	EnvVarConfigDir   = "HGDEPLOY_CONFIG_DIR"
	EnvVarDataDir     = "HGDEPLOY_DATA_DIR"
	EnvVarAgeIdentity = "HGDEPLOY_AGE_IDENTITY"
	EnvVarLogLevel    = "HGDEPLOY_LOG_LEVEL"

	// File names
	ConfigEnvFileName = ".env"
	DBFileName        = "hgdeploy.db"
)

// File and directory permissions
const (
	ModeFileSecret  os.FileMode = 0o600 // secrets: .env, keys
	ModeFileDefault os.FileMode = 0o644 // non-secret configs
	ModeDirPrivate  os.FileMode = 0o700 // private dirs
)
