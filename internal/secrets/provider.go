package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"filippo.io/age"
	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/remote"
	"github.com/zalando/go-keyring"
)

var ErrNotFound = errors.New("secret not found")

// Provider looks up a named secret.
type Provider interface {
	Secret(ctx context.Context, name string) (string, error)
}

// MasterFileProvider reads base64 encoded secrets from files in a directory
// on the master. When Identity is set the decoded bytes are age ciphertext.
type MasterFileProvider struct {
	Exec     remote.Executor
	Host     string
	Dir      string
	Identity age.Identity
}

func (p *MasterFileProvider) Secret(ctx context.Context, name string) (string, error) {
	if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	dir := p.Dir
	if dir == "" {
		dir = constants.DefaultSecretsDir
	}
	file := remote.Quote(path.Join(dir, name))

	out, err := p.Exec.Run(ctx, p.Host, fmt.Sprintf("if [ -f %s ]; then cat %s; else exit 3; fi", file, file))
	if err != nil {
		var cmdErr *remote.CommandError
		if errors.As(err, &cmdErr) && exitCode(cmdErr.Err) == 3 {
			return "", fmt.Errorf("%w: %s on %s", ErrNotFound, path.Join(dir, name), p.Host)
		}
		return "", fmt.Errorf("failed to read secret %s: %w", name, err)
	}

	if p.Identity != nil {
		return Decrypt(out, p.Identity)
	}
	decoded, err := decodeBase64(out)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return string(decoded), nil
}

// exitCode extracts the exit status from ssh and os/exec errors.
func exitCode(err error) int {
	var coded interface{ ExitStatus() int }
	if errors.As(err, &coded) {
		return coded.ExitStatus()
	}
	var local interface{ ExitCode() int }
	if errors.As(err, &local) {
		return local.ExitCode()
	}
	return -1
}

// EnvProvider reads secrets from environment variables, typically loaded
// from .env files. Name is used as is, after applying Prefix.
type EnvProvider struct {
	Prefix string
}

func (p EnvProvider) Secret(_ context.Context, name string) (string, error) {
	key := p.Prefix + name
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrNotFound, key)
	}
	return value, nil
}

// KeyringProvider reads secrets from the operating system keychain.
type KeyringProvider struct {
	Service string
}

func (p KeyringProvider) service() string {
	if p.Service == "" {
		return constants.DefaultKeyringName
	}
	return p.Service
}

func (p KeyringProvider) Secret(_ context.Context, name string) (string, error) {
	value, err := keyring.Get(p.service(), name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s in keyring service %s", ErrNotFound, name, p.service())
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keyring: %w", name, err)
	}
	return value, nil
}

// Store saves a secret in the keychain.
func (p KeyringProvider) Store(name, value string) error {
	if err := keyring.Set(p.service(), name, value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", name, err)
	}
	return nil
}

// StaticProvider serves secrets from a map. Plain credentials in the config
// are looked up through one.
type StaticProvider map[string]string

func (p StaticProvider) Secret(_ context.Context, name string) (string, error) {
	value, ok := p[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}
