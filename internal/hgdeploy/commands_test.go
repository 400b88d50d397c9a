package hgdeploy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/remote"
	"github.com/hgmo/hgdeploy/internal/secrets"
	"github.com/hgmo/hgdeploy/internal/ui"
	"github.com/hgmo/hgdeploy/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cluster is a config whose master and fleets are all this machine. hg is a
// shell script that reports a fixed phase and two changesets. It resolves
// tip to tipNode, any "::" revset to two nodes and every other revision to
// itself.
type cluster struct {
	dir        string
	configPath string
	recordPath string
	logPath    string
	metrics    string
}

const tipNode = "5d0c0f3e9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d"

const fakeHg = `#!/bin/sh
rev=
prev=
for a in "$@"; do
  [ "$prev" = -r ] && rev="$a"
  case "$a" in
    '{phase}')
      echo PHASE
      exit 0
      ;;
    '{node}\n')
      case "$rev" in
        tip) echo TIPNODE ;;
        *::*) printf 'aaaaaaaaaaaa\nbbbbbbbbbbbb\n' ;;
        *) echo "$rev" ;;
      esac
      exit 0
      ;;
  esac
  prev="$a"
done
printf 'aaaaaaaaaaaa\tfix hgweb hook\nbbbbbbbbbbbb\tbump mirror timeout\n'
`

func newCluster(t *testing.T, phase string, mutate func(cfg *config.Config)) *cluster {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(constants.EnvVarDataDir, filepath.Join(dir, "data"))
	t.Setenv(constants.EnvVarConfigDir, filepath.Join(dir, "config"))
	t.Setenv(constants.EnvVarAgeIdentity, "")

	c := &cluster{
		dir:        dir,
		configPath: filepath.Join(dir, "hgdeploy.yml"),
		recordPath: filepath.Join(dir, "master", "deployed_rev"),
		logPath:    filepath.Join(dir, "tasks.log"),
		metrics:    filepath.Join(dir, "textfile", "hgdeploy.prom"),
	}

	hgPath := filepath.Join(dir, "hg")
	require.NoError(t, os.WriteFile(hgPath, []byte(strings.NewReplacer("PHASE", phase, "TIPNODE", tipNode).Replace(fakeHg)), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(c.recordPath), 0o755))
	require.NoError(t, os.WriteFile(c.recordPath, []byte("000fff\n"), 0o644))

	task := func(name string) []config.TaskConfig {
		return []config.TaskConfig{{Name: "update", Run: "echo {{.Target}} " + name + " >> " + remote.Quote(c.logPath)}}
	}
	cfg := &config.Config{
		Master: config.MasterConfig{
			Host:       "localhost",
			Repo:       filepath.Join(dir, "repo"),
			RecordPath: c.recordPath,
			HgPath:     hgPath,
		},
		Groups: config.Groups{
			Hgweb:   config.HostGroup{Hosts: config.HostList{"localhost", "127.0.0.1"}, Tasks: task("hgweb")},
			Hgssh:   config.HostGroup{Hosts: config.HostList{"localhost"}, Tasks: task("hgssh")},
			Mirrors: config.HostGroup{Hosts: config.HostList{"127.0.0.1"}, Tasks: task("mirrors")},
		},
		Metrics: config.MetricsConfig{Textfile: c.metrics},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, config.Save(cfg, c.configPath))
	return c
}

func (c *cluster) taskLog(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(c.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func (c *cluster) record(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(c.recordPath)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	ui.SetOutput(&out, &errOut)
	t.Cleanup(func() { ui.SetOutput(nil, nil) })

	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestDeployRunsStagesInOrder(t *testing.T) {
	c := newCluster(t, "public", nil)

	stdout, _, err := execute(t, "deploy", "abc123", "--config", c.configPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deployed abc123")

	lines := c.taskLog(t)
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"abc123 hgweb", "abc123 hgweb"}, lines[:2])
	assert.Equal(t, []string{"abc123 hgssh", "abc123 mirrors"}, lines[2:])

	assert.Equal(t, "abc123", c.record(t))

	metrics, err := os.ReadFile(c.metrics)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `hgdeploy_runs_total{result="done"} 1`)

	stdout, _, err = execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "abc123")
	assert.Contains(t, stdout, "done")

	stdout, _, err = execute(t, "status", "--config", c.configPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deployed revision: abc123")
	assert.Contains(t, stdout, "previously 000fff")
	assert.Contains(t, stdout, "hgweb: 2 host(s)")
	assert.Contains(t, stdout, "mirrors: 1 host(s)")
}

func TestDeployPinsSymbolicRevision(t *testing.T) {
	c := newCluster(t, "public", nil)

	stdout, _, err := execute(t, "deploy", "tip", "--config", c.configPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deployed "+tipNode+" (requested tip)")

	for _, line := range c.taskLog(t) {
		assert.True(t, strings.HasPrefix(line, tipNode+" "), "task ran against %q", line)
	}
	assert.Equal(t, tipNode, c.record(t))

	stdout, _, err = execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, tipNode[:12])
	assert.NotContains(t, stdout, " tip ")
}

func TestDeployRefusesAmbiguousRevision(t *testing.T) {
	c := newCluster(t, "public", nil)

	_, stderr, err := execute(t, "deploy", "0::tip", "--config", c.configPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrPrecondition)
	assert.Contains(t, stderr, "names 2 changesets")

	assert.Empty(t, c.taskLog(t))
	assert.Equal(t, "000fff", c.record(t))
}

func TestDeployMetricsAccumulateAcrossRuns(t *testing.T) {
	c := newCluster(t, "public", nil)
	readMetrics := func() string {
		t.Helper()
		data, err := os.ReadFile(c.metrics)
		require.NoError(t, err)
		return string(data)
	}
	lastSuccess := regexp.MustCompile(`(?m)^hgdeploy_last_success_timestamp_seconds \d(\.\d+)?e\+09$`)

	_, _, err := execute(t, "deploy", "abc123", "--config", c.configPath)
	require.NoError(t, err)
	_, _, err = execute(t, "deploy", "0::tip", "--config", c.configPath)
	require.Error(t, err)

	text := readMetrics()
	assert.Contains(t, text, `hgdeploy_runs_total{result="done"} 1`)
	assert.Contains(t, text, `hgdeploy_runs_total{result="precondition_failed"} 1`)
	assert.Regexp(t, lastSuccess, text)

	// Without a textfile the last success still comes from run history.
	require.NoError(t, os.Remove(c.metrics))
	_, _, err = execute(t, "deploy", "0::tip", "--config", c.configPath)
	require.Error(t, err)
	assert.Regexp(t, lastSuccess, readMetrics())
}

func TestDeployRefusesUnapprovedRevision(t *testing.T) {
	c := newCluster(t, "draft", nil)

	_, _, err := execute(t, "deploy", "abc123", "--config", c.configPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrPrecondition)

	assert.Empty(t, c.taskLog(t), "no stage may run")
	assert.Equal(t, "000fff", c.record(t))
}

func TestDeploySkipsStages(t *testing.T) {
	c := newCluster(t, "public", nil)

	_, _, err := execute(t, "deploy", "abc123", "--skip-hgweb", "--skip-mirrors", "--config", c.configPath)
	require.NoError(t, err)

	assert.Equal(t, []string{"abc123 hgssh"}, c.taskLog(t))
	assert.Equal(t, "abc123", c.record(t))
}

func TestDeployStopsAfterFailedStage(t *testing.T) {
	c := newCluster(t, "public", func(cfg *config.Config) {
		cfg.Groups.Hgssh.Tasks = []config.TaskConfig{{Name: "hooks", Run: "echo broken >&2; exit 3"}}
	})

	_, stderr, err := execute(t, "deploy", "abc123", "--config", c.configPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrStage)
	var stageErr *deploy.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, deploy.StageHgssh, stageErr.Stage)
	assert.Equal(t, []string{"localhost"}, stageErr.FailedHosts())
	assert.Contains(t, stderr, "failed in stage hgssh")

	lines := c.taskLog(t)
	sort.Strings(lines)
	assert.Equal(t, []string{"abc123 hgweb", "abc123 hgweb"}, lines, "mirrors must not run")
	assert.Equal(t, "000fff", c.record(t))

	stdout, _, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "stage failed")
}

func TestDeployWithEmptyGroup(t *testing.T) {
	c := newCluster(t, "public", func(cfg *config.Config) {
		cfg.Groups.Mirrors = config.HostGroup{}
	})

	_, stderr, err := execute(t, "deploy", "abc123", "--config", c.configPath)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Stage mirrors has no hosts")
	assert.Equal(t, []string{"abc123 hgweb", "abc123 hgweb", "abc123 hgssh"}, c.taskLog(t))
	assert.Equal(t, "abc123", c.record(t))

	_, stderr, err = execute(t, "deploy", "abc123", "--skip-mirrors", "--config", c.configPath)
	require.NoError(t, err)
	assert.NotContains(t, stderr, "has no hosts")
}

func TestDeployDryRun(t *testing.T) {
	c := newCluster(t, "public", nil)

	stdout, _, err := execute(t, "deploy", "abc123", "--dry-run", "--config", c.configPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Dry run")

	assert.Empty(t, c.taskLog(t))
	assert.Equal(t, "000fff", c.record(t))
	assert.NoFileExists(t, c.metrics)

	stdout, _, err = execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No deployments recorded yet")
}

func TestDeployShowOutput(t *testing.T) {
	c := newCluster(t, "public", func(cfg *config.Config) {
		cfg.Groups.Mirrors.Tasks = []config.TaskConfig{{Name: "say", Run: "echo replicated {{.Target}} on {{.Host}}"}}
	})

	stdout, _, err := execute(t, "deploy", "abc123", "--show-output", "--config", c.configPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "replicated abc123 on 127.0.0.1")
}

func TestDeployRequiresRevision(t *testing.T) {
	c := newCluster(t, "public", nil)

	_, _, err := execute(t, "deploy", "--config", c.configPath)
	require.Error(t, err)

	_, _, err = execute(t, "deploy", "abc;rm -rf /", "--config", c.configPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrInvalidTarget)
	assert.Empty(t, c.taskLog(t))
}

func TestPrintResult(t *testing.T) {
	const node = deploy.Target("5d0c0f3e9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d")

	tests := []struct {
		name       string
		res        *deploy.Result
		wantStdout string
		wantStderr string
	}{
		{
			name:       "pinned target names what was requested",
			res:        &deploy.Result{Target: node, Requested: "tip", State: deploy.StateDone},
			wantStdout: "Deployed " + node.String() + " (requested tip)",
		},
		{
			name:       "refused",
			res:        &deploy.Result{Target: "abc123", Requested: "abc123", State: deploy.StatePreconditionFailed, Err: deploy.ErrPrecondition},
			wantStderr: "Refusing to deploy abc123:",
		},
		{
			name:       "run that never reached a final state",
			res:        &deploy.Result{Target: "abc123", State: deploy.StateNotifiedStart, Err: context.Canceled},
			wantStderr: "interrupted in state notified_start: context canceled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			ui.SetOutput(&out, &errOut)
			t.Cleanup(func() { ui.SetOutput(nil, nil) })

			printResult(tt.res)
			if tt.wantStdout != "" {
				assert.Contains(t, out.String(), tt.wantStdout)
			}
			if tt.wantStderr != "" {
				assert.Contains(t, errOut.String(), tt.wantStderr)
			}
		})
	}
}

func TestValidateConfigCmd(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(cfg *config.Config)
		wantErr  string
		wantWarn string
	}{
		{name: "valid"},
		{
			name: "unknown template variable",
			mutate: func(cfg *config.Config) {
				cfg.Groups.Mirrors.Tasks[0].Run = "echo {{.Branch}}"
			},
			wantErr: "groups.mirrors",
		},
		{
			name: "unparsable template",
			mutate: func(cfg *config.Config) {
				cfg.Groups.Hgweb.Tasks[0].Run = "echo {{.Target"
			},
			wantErr: "invalid command template",
		},
		{
			name: "group without hosts",
			mutate: func(cfg *config.Config) {
				cfg.Groups.Mirrors.Hosts = nil
			},
			wantWarn: "groups.mirrors lists no hosts",
		},
		{
			name: "hosts without tasks",
			mutate: func(cfg *config.Config) {
				cfg.Groups.Hgssh.Tasks = nil
			},
			wantErr: "hosts listed but no tasks defined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(t, "public", tt.mutate)

			stdout, stderr, err := execute(t, "validate-config", "--config", c.configPath)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, stdout, "is valid")
			assert.Contains(t, stdout, "hgweb: 2 host(s), 1 task(s)")
			if tt.wantWarn != "" {
				assert.Contains(t, stderr, tt.wantWarn)
			} else {
				assert.NotContains(t, stderr, "lists no hosts")
			}
		})
	}
}

func TestInitCmd(t *testing.T) {
	for _, format := range []string{"yaml", "json", "toml"} {
		t.Run(format, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv(constants.EnvVarConfigDir, dir)

			_, _, err := execute(t, "init", "--format", format)
			require.NoError(t, err)

			_, _, err = execute(t, "validate-config")
			require.NoError(t, err, "a fresh sample config must validate")

			_, _, err = execute(t, "init", "--format", format)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "--force")

			_, _, err = execute(t, "init", "--format", format, "--force")
			require.NoError(t, err)
		})
	}

	t.Run("unsupported format", func(t *testing.T) {
		t.Setenv(constants.EnvVarConfigDir, t.TempDir())
		_, _, err := execute(t, "init", "--format", "ini")
		require.Error(t, err)
	})
}

func TestSecretsKeygenAndEncrypt(t *testing.T) {
	t.Setenv(constants.EnvVarConfigDir, t.TempDir())

	stdout, _, err := execute(t, "secrets", "keygen")
	require.NoError(t, err)

	var recipient, identity string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		switch {
		case strings.HasPrefix(line, "# public key: "):
			recipient = strings.TrimPrefix(line, "# public key: ")
		case strings.HasPrefix(line, "AGE-SECRET-KEY-"):
			identity = line
		}
	}
	require.NotEmpty(t, recipient)
	require.NotEmpty(t, identity)

	stdout, _, err = execute(t, "secrets", "encrypt", recipient, "https://hooks.slack.com/services/T/B/X")
	require.NoError(t, err)

	t.Setenv(constants.EnvVarAgeIdentity, identity)
	id, err := secrets.GetAgeIdentity()
	require.NoError(t, err)
	plain, err := secrets.Decrypt(strings.TrimSpace(stdout), id)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.slack.com/services/T/B/X", plain)
}

func TestVersionCmd(t *testing.T) {
	t.Setenv(constants.EnvVarConfigDir, t.TempDir())

	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "hgdeploy "+version.GetVersion()+"\n", stdout)
}

func TestRootRejectsBadLogLevel(t *testing.T) {
	t.Setenv(constants.EnvVarConfigDir, t.TempDir())

	_, _, err := execute(t, "version", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}
