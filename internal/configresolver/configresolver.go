package configresolver

import (
	"context"
	"fmt"

	"github.com/hgmo/hgdeploy/internal/config"
	"github.com/hgmo/hgdeploy/internal/secrets"
	"github.com/jinzhu/copier"
)

// Providers maps a credential source to the provider that serves it.
type Providers map[config.CredentialSource]secrets.Provider

// Resolve returns a copy of cfg with every credential reference replaced by
// its value. cfg itself is never modified.
func Resolve(ctx context.Context, unresolved *config.Config, providers Providers, format string) (*config.Config, error) {
	if unresolved == nil {
		return nil, nil
	}

	resolved := &config.Config{}
	if err := copier.CopyWithOption(resolved, unresolved, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("failed to copy config for resolution: %w", err)
	}

	cred := resolved.Notify.Credential
	if cred == nil {
		return resolved, nil
	}

	field := config.GetFieldNameForFormat(config.Config{}, "Notify.Credential", format)
	value, err := lookup(ctx, cred, providers)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}

	resolved.Notify.WebhookURL = value
	// Clear the reference now that it's resolved.
	resolved.Notify.Credential = nil
	return resolved, nil
}

func lookup(ctx context.Context, cred *config.CredentialConfig, providers Providers) (string, error) {
	provider, ok := providers[cred.Source]
	if cred.Source == config.CredentialPlain {
		provider, ok = secrets.StaticProvider{cred.Name: cred.Value}, true
	}
	if !ok || provider == nil {
		return "", fmt.Errorf("no secret provider configured for source '%s'", cred.Source)
	}
	value, err := provider.Secret(ctx, cred.Name)
	if err != nil {
		return "", fmt.Errorf("failed to fetch '%s' from %s: %w", cred.Name, cred.Source, err)
	}
	return value, nil
}
