package config

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/hgmo/hgdeploy/internal/helpers"
)

var validPhases = []string{"public", "draft", "secret"}

// Validate checks the normalized config and returns every problem found.
// format decides how field names are spelled in the messages.
func (c *Config) Validate(format string) error {
	field := func(goPath string) string {
		return GetFieldNameForFormat(Config{}, goPath, format)
	}
	var errs []error

	if err := helpers.ValidateHost(c.Master.Host); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", field("Master.Host"), err))
	}
	if !path.IsAbs(c.Master.Repo) {
		errs = append(errs, fmt.Errorf("%s: '%s' is not an absolute path", field("Master.Repo"), c.Master.Repo))
	}
	if !path.IsAbs(c.Master.RecordPath) {
		errs = append(errs, fmt.Errorf("%s: '%s' is not an absolute path", field("Master.RecordPath"), c.Master.RecordPath))
	}
	if !slices.Contains(validPhases, c.Master.ApprovedPhase) {
		errs = append(errs, fmt.Errorf("%s: '%s' is not one of %s", field("Master.ApprovedPhase"), c.Master.ApprovedPhase, strings.Join(validPhases, ", ")))
	}

	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s: %d is out of range", field("SSH.Port"), c.SSH.Port))
	}
	if c.SSH.Timeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("%s: must not be negative", field("SSH.Timeout")))
	}

	for _, name := range []string{"Hgweb", "Hgssh", "Mirrors"} {
		g, _ := c.Groups.ByName(strings.ToLower(name))
		if err := g.validate(field("Groups." + name)); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.Notify.validate(field("Notify")); err != nil {
		errs = append(errs, err)
	}

	if c.History.Keep < 0 {
		errs = append(errs, fmt.Errorf("%s: must not be negative", field("History.Keep")))
	}
	if c.Metrics.Textfile != "" && !strings.HasSuffix(c.Metrics.Textfile, ".prom") {
		errs = append(errs, fmt.Errorf("%s: '%s' must end in .prom to be picked up by the textfile collector", field("Metrics.Textfile"), c.Metrics.Textfile))
	}

	return errors.Join(errs...)
}

func (g *HostGroup) validate(name string) error {
	var errs []error

	seen := make(map[string]bool, len(g.Hosts))
	for _, h := range g.Hosts {
		if err := helpers.ValidateHost(h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if seen[h] {
			errs = append(errs, fmt.Errorf("%s: host '%s' listed more than once", name, h))
		}
		seen[h] = true
	}

	if g.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("%s: parallelism must not be negative", name))
	}

	// A group without hosts is a fleet that does not exist yet.
	if len(g.Hosts) > 0 && len(g.Tasks) == 0 {
		errs = append(errs, fmt.Errorf("%s: hosts listed but no tasks defined", name))
	}
	taskNames := make(map[string]bool, len(g.Tasks))
	for i, t := range g.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: task %d has no name", name, i))
		} else if taskNames[t.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate task name '%s'", name, t.Name))
		}
		taskNames[t.Name] = true
		if strings.TrimSpace(t.Run) == "" {
			errs = append(errs, fmt.Errorf("%s: task '%s' has an empty command", name, t.Name))
		}
	}
	return errors.Join(errs...)
}

func (n *NotifyConfig) validate(name string) error {
	if n.WebhookURL != "" && n.Credential != nil {
		return fmt.Errorf("%s: set either a webhook URL or a credential, not both", name)
	}
	if n.WebhookURL != "" && !strings.HasPrefix(n.WebhookURL, "https://") && !strings.HasPrefix(n.WebhookURL, "http://") {
		return fmt.Errorf("%s: webhook URL must be an http(s) URL", name)
	}
	if n.Credential == nil {
		return nil
	}

	cred := n.Credential
	switch cred.Source {
	case CredentialPlain:
		if cred.Value == "" {
			return fmt.Errorf("%s: credential source '%s' requires a value", name, cred.Source)
		}
	case CredentialMaster, CredentialEnv, CredentialKeyring:
		if cred.Name == "" {
			return fmt.Errorf("%s: credential source '%s' requires a name", name, cred.Source)
		}
		if cred.Value != "" {
			return fmt.Errorf("%s: credential value is only allowed with source '%s'", name, CredentialPlain)
		}
	default:
		return fmt.Errorf("%s: unknown credential source '%s' (must be master, env, keyring or plain)", name, cred.Source)
	}
	return nil
}
