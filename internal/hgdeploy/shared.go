package hgdeploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/configresolver"
	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/db"
	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/hg"
	"github.com/hgmo/hgdeploy/internal/logging"
	"github.com/hgmo/hgdeploy/internal/metrics"
	"github.com/hgmo/hgdeploy/internal/notify"
	"github.com/hgmo/hgdeploy/internal/remote"
	"github.com/hgmo/hgdeploy/internal/secrets"
	"github.com/hgmo/hgdeploy/internal/stage"
)

// environment is everything a command needs to talk to the cluster.
type environment struct {
	cfg    *config.Config
	format string
	logger *slog.Logger

	exec   remote.Executor
	local  *remote.LocalExecutor
	ssh    *remote.SSHExecutor
	client *hg.Client

	history *db.DB
	metrics *metrics.Recorder
}

// newEnvironment wires executors for cfg. The SSH connection is only made on
// first use, so commands that never leave the local machine do not need keys.
func newEnvironment(ctx context.Context, cfg *config.Config, format string) (*environment, error) {
	logger := logging.FromContext(ctx)
	env := &environment{cfg: cfg, format: format, logger: logger, metrics: metrics.NewRecorder()}

	env.local = &remote.LocalExecutor{Logger: logger}
	router := &remote.Router{Local: env.local}
	if needsSSH(cfg) {
		sshExec, err := remote.NewSSHExecutor(remote.SSHConfig{
			User:            cfg.SSH.User,
			Port:            cfg.SSH.Port,
			IdentityFile:    cfg.SSH.IdentityFile,
			KnownHostsFile:  cfg.SSH.KnownHostsFile,
			InsecureHostKey: cfg.SSH.InsecureHostKey,
			Timeout:         cfg.SSH.Timeout.Duration,
		}, logger)
		if err != nil {
			return nil, err
		}
		env.ssh = sshExec
		router.Remote = sshExec
	}
	env.exec = router

	env.client = &hg.Client{
		Exec:   env.exec,
		Host:   cfg.Master.Host,
		Repo:   cfg.Master.Repo,
		HgPath: cfg.Master.HgPath,
	}
	return env, nil
}

func needsSSH(cfg *config.Config) bool {
	if !remote.IsLocal(cfg.Master.Host) {
		return true
	}
	for _, g := range []config.HostGroup{cfg.Groups.Hgweb, cfg.Groups.Hgssh, cfg.Groups.Mirrors} {
		for _, h := range g.Hosts {
			if !remote.IsLocal(groupHost(g, h)) {
				return true
			}
		}
	}
	return false
}

func (e *environment) Close() {
	if e.ssh != nil {
		_ = e.ssh.Close()
	}
	if e.history != nil {
		_ = e.history.Close()
	}
}

// streamOutput tees command output of every executor to the writer out returns for a host.
func (e *environment) streamOutput(out func(host string) io.Writer) {
	e.local.Output = out
	if e.ssh != nil {
		e.ssh.Output = out
	}
}

func (e *environment) records() *hg.MasterRecordStore {
	return &hg.MasterRecordStore{Exec: e.exec, Host: e.cfg.Master.Host, Path: e.cfg.Master.RecordPath}
}

// openHistory opens the run history database once per environment.
func (e *environment) openHistory() (*db.DB, error) {
	if e.history != nil {
		return e.history, nil
	}
	database, err := openHistoryDB()
	if err != nil {
		return nil, err
	}
	e.history = database
	return database, nil
}

// openHistoryDB opens the run history database in the data directory.
func openHistoryDB() (*db.DB, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, constants.ModeDirPrivate); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return db.New(dataDir)
}

// groupHost applies the group's user override to a host address.
func groupHost(g config.HostGroup, host string) string {
	if g.User == "" || strings.Contains(host, "@") {
		return host
	}
	return g.User + "@" + host
}

// buildStages compiles the task lists of every group. Commands go to exec.
// Stages log through the run's context logger.
func buildStages(cfg *config.Config, exec remote.Executor) (map[deploy.StageName]deploy.StageExecutor, error) {
	stages := make(map[deploy.StageName]deploy.StageExecutor, len(deploy.StageOrder))
	for _, name := range deploy.StageOrder {
		group, err := cfg.Groups.ByName(string(name))
		if err != nil {
			return nil, err
		}

		s := &stage.Stage{Name: name, Parallelism: group.Parallelism}
		for _, h := range group.Hosts {
			s.Hosts = append(s.Hosts, groupHost(*group, h))
		}
		for _, tc := range group.Tasks {
			task, err := stage.NewCommandTask(tc.Name, tc.Run, exec)
			if err != nil {
				return nil, fmt.Errorf("groups.%s: %w", name, err)
			}
			s.Tasks = append(s.Tasks, task)
		}
		stages[name] = s
	}
	return stages, nil
}

// secretProviders returns the providers a notify credential can come from.
func (e *environment) secretProviders() configresolver.Providers {
	master := &secrets.MasterFileProvider{Exec: e.exec, Host: e.cfg.Master.Host, Dir: e.cfg.Master.SecretsDir}
	if os.Getenv(constants.EnvVarAgeIdentity) != "" {
		if identity, err := secrets.GetAgeIdentity(); err == nil {
			master.Identity = identity
		} else {
			e.logger.Warn("Ignoring age identity", "error", err)
		}
	}
	return configresolver.Providers{
		config.CredentialMaster:  master,
		config.CredentialEnv:     secrets.EnvProvider{},
		config.CredentialKeyring: secrets.KeyringProvider{},
	}
}

// notifier resolves the webhook credential and returns the notifier for a
// run. Without a usable webhook, events are only logged.
func (e *environment) notifier(ctx context.Context) deploy.Notifier {
	logNotifier := &notify.LogNotifier{Logger: e.logger}
	if !e.cfg.Notify.Enabled() {
		return logNotifier
	}

	resolved, err := configresolver.Resolve(ctx, e.cfg, e.secretProviders(), e.format)
	if err != nil {
		e.logger.Warn("Could not resolve notification credential, notifications will only be logged", "error", err)
		return logNotifier
	}
	return notify.Multi{
		logNotifier,
		&notify.SlackNotifier{
			WebhookURL: resolved.Notify.WebhookURL,
			Channel:    resolved.Notify.Channel,
			Username:   resolved.Notify.Username,
		},
	}
}

func currentUser() string {
	for _, env := range []string{"SUDO_USER", "USER"} {
		if u := os.Getenv(env); u != "" {
			return u
		}
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
