package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Sample returns a starting config for a cluster with two hosts per fleet.
func Sample() *Config {
	hgweb := []TaskConfig{
		{Name: "pull", Run: "hg -R " + constants.DefaultRepoPath + " pull ssh://hg.mozilla.org/hgcustom/version-control-tools"},
		{Name: "update", Run: "hg -R " + constants.DefaultRepoPath + " update -r {{quote .Target}}"},
		{Name: "reload", Run: "sudo systemctl reload httpd"},
	}
	hgssh := []TaskConfig{
		{Name: "update", Run: "hg -R " + constants.DefaultRepoPath + " update -r {{quote .Target}}"},
		{Name: "hooks", Run: "sudo /var/hg/venv_tools/bin/pip install --no-deps -e " + constants.DefaultRepoPath + "/hghooks"},
	}
	mirrors := []TaskConfig{
		{Name: "replicate", Run: "/var/hg/venv_replication/bin/vcsreplicator-sns-notifier --deployed {{quote .Target}}"},
	}

	return &Config{
		Master: MasterConfig{
			Host:          "hgssh1.example.com",
			Repo:          constants.DefaultRepoPath,
			RecordPath:    constants.DefaultRecordPath,
			ApprovedPhase: constants.DefaultApprovedPhase,
		},
		SSH: SSHConfig{
			User:    "hg",
			Timeout: Duration{constants.DefaultSSHTimeout},
		},
		Groups: Groups{
			Hgweb:   HostGroup{Hosts: HostList{"hgweb1.example.com", "hgweb2.example.com"}, Parallelism: 2, Tasks: hgweb},
			Hgssh:   HostGroup{Hosts: HostList{"hgssh1.example.com", "hgssh2.example.com"}, Parallelism: 1, Tasks: hgssh},
			Mirrors: HostGroup{Hosts: HostList{"mirror1.example.com", "mirror2.example.com"}, Tasks: mirrors},
		},
		Notify: NotifyConfig{
			Channel:    constants.DefaultNotifyChannel,
			Credential: &CredentialConfig{Source: CredentialMaster, Name: "slack_webhook"},
		},
		History: HistoryConfig{Keep: constants.DefaultRunsToKeep},
	}
}

// Marshal encodes cfg in format ("yaml", "json" or "toml").
func Marshal(cfg *Config, format string) ([]byte, error) {
	var data []byte
	var err error

	switch format {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case "yaml", "yml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		data, err = toml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save writes cfg to path in the format given by its extension.
func Save(cfg *Config, path string) error {
	format, err := getConfigFormat(path)
	if err != nil {
		return err
	}
	data, err := Marshal(cfg, format)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, constants.ModeFileDefault)
}
