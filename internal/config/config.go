package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hgmo/hgdeploy/internal/constants"
)

type Config struct {
	Master  MasterConfig  `json:"master" yaml:"master" toml:"master"`
	SSH     SSHConfig     `json:"ssh,omitempty" yaml:"ssh,omitempty" toml:"ssh,omitempty"`
	Groups  Groups        `json:"groups" yaml:"groups" toml:"groups"`
	Notify  NotifyConfig  `json:"notify,omitempty" yaml:"notify,omitempty" toml:"notify,omitempty"`
	History HistoryConfig `json:"history,omitempty" yaml:"history,omitempty" toml:"history,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
}

// MasterConfig describes the host that owns the canonical repository and the
// deployment record.
type MasterConfig struct {
	Host          string `json:"host" yaml:"host" toml:"host"`
	Repo          string `json:"repo,omitempty" yaml:"repo,omitempty" toml:"repo,omitempty"`
	RecordPath    string `json:"recordPath,omitempty" yaml:"record_path,omitempty" toml:"record_path,omitempty"`
	ApprovedPhase string `json:"approvedPhase,omitempty" yaml:"approved_phase,omitempty" toml:"approved_phase,omitempty"`
	HgPath        string `json:"hgPath,omitempty" yaml:"hg_path,omitempty" toml:"hg_path,omitempty"`
	SecretsDir    string `json:"secretsDir,omitempty" yaml:"secrets_dir,omitempty" toml:"secrets_dir,omitempty"`
}

type SSHConfig struct {
	User            string   `json:"user,omitempty" yaml:"user,omitempty" toml:"user,omitempty"`
	Port            int      `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
	IdentityFile    string   `json:"identityFile,omitempty" yaml:"identity_file,omitempty" toml:"identity_file,omitempty"`
	KnownHostsFile  string   `json:"knownHostsFile,omitempty" yaml:"known_hosts_file,omitempty" toml:"known_hosts_file,omitempty"`
	InsecureHostKey bool     `json:"insecureHostKey,omitempty" yaml:"insecure_host_key,omitempty" toml:"insecure_host_key,omitempty"`
	Timeout         Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

type Groups struct {
	Hgweb   HostGroup `json:"hgweb" yaml:"hgweb" toml:"hgweb"`
	Hgssh   HostGroup `json:"hgssh" yaml:"hgssh" toml:"hgssh"`
	Mirrors HostGroup `json:"mirrors" yaml:"mirrors" toml:"mirrors"`
}

// ByName returns the group for a stage name.
func (g *Groups) ByName(name string) (*HostGroup, error) {
	switch name {
	case "hgweb":
		return &g.Hgweb, nil
	case "hgssh":
		return &g.Hgssh, nil
	case "mirrors":
		return &g.Mirrors, nil
	}
	return nil, fmt.Errorf("unknown host group %q", name)
}

// Empty returns the names of the groups that list no hosts.
func (g *Groups) Empty() []string {
	var names []string
	for _, name := range []string{"hgweb", "hgssh", "mirrors"} {
		group, _ := g.ByName(name)
		if len(group.Hosts) == 0 {
			names = append(names, name)
		}
	}
	return names
}

// HostGroup is the fleet a stage is applied to.
type HostGroup struct {
	Hosts       HostList     `json:"hosts" yaml:"hosts" toml:"hosts"`
	Parallelism int          `json:"parallelism,omitempty" yaml:"parallelism,omitempty" toml:"parallelism,omitempty"`
	User        string       `json:"user,omitempty" yaml:"user,omitempty" toml:"user,omitempty"`
	Tasks       []TaskConfig `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// TaskConfig is a named shell command. Run is a text/template rendered with
// the run's target, previous revision, stage and host.
type TaskConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	Run  string `json:"run" yaml:"run" toml:"run"`
}

// HostList accepts either a list or a comma separated string.
type HostList []string

type NotifyConfig struct {
	Channel    string            `json:"channel,omitempty" yaml:"channel,omitempty" toml:"channel,omitempty"`
	Username   string            `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	WebhookURL string            `json:"webhookUrl,omitempty" yaml:"webhook_url,omitempty" toml:"webhook_url,omitempty"`
	Credential *CredentialConfig `json:"credential,omitempty" yaml:"credential,omitempty" toml:"credential,omitempty"`
}

// Enabled reports whether a chat webhook is configured.
func (n NotifyConfig) Enabled() bool {
	return n.WebhookURL != "" || n.Credential != nil
}

type CredentialSource string

const (
	CredentialMaster  CredentialSource = "master"
	CredentialEnv     CredentialSource = "env"
	CredentialKeyring CredentialSource = "keyring"
	CredentialPlain   CredentialSource = "plain"
)

// CredentialConfig points at where the webhook URL is kept.
type CredentialConfig struct {
	Source CredentialSource `json:"source" yaml:"source" toml:"source"`
	Name   string           `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Value  string           `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
}

type HistoryConfig struct {
	// Keep is the number of runs retained; 0 means the default.
	Keep int `json:"keep,omitempty" yaml:"keep,omitempty" toml:"keep,omitempty"`
}

type MetricsConfig struct {
	// Textfile is written after every run for the node exporter textfile collector.
	Textfile string `json:"textfile,omitempty" yaml:"textfile,omitempty" toml:"textfile,omitempty"`
}

// Duration is a time.Duration that reads and writes as "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Normalize sets default values for unset fields.
func (c *Config) Normalize() {
	if c.Master.Repo == "" {
		c.Master.Repo = constants.DefaultRepoPath
	}
	if c.Master.RecordPath == "" {
		c.Master.RecordPath = constants.DefaultRecordPath
	}
	if c.Master.ApprovedPhase == "" {
		c.Master.ApprovedPhase = constants.DefaultApprovedPhase
	}
	if c.Master.HgPath == "" {
		c.Master.HgPath = constants.DefaultHgBinary
	}
	if c.Master.SecretsDir == "" {
		c.Master.SecretsDir = constants.DefaultSecretsDir
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = constants.DefaultSSHPort
	}
	if c.SSH.Timeout.Duration == 0 {
		c.SSH.Timeout.Duration = constants.DefaultSSHTimeout
	}
	for _, g := range []*HostGroup{&c.Groups.Hgweb, &c.Groups.Hgssh, &c.Groups.Mirrors} {
		if g.Parallelism == 0 {
			g.Parallelism = constants.DefaultParallelism
		}
		hosts := g.Hosts[:0]
		for _, h := range g.Hosts {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		g.Hosts = hosts
	}
	if c.Notify.Channel == "" {
		c.Notify.Channel = constants.DefaultNotifyChannel
	}
	if c.History.Keep == 0 {
		c.History.Keep = constants.DefaultRunsToKeep
	}
}
