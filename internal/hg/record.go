package hg

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/remote"
)

// MasterRecordStore keeps the deployed revision in a file on the master.
type MasterRecordStore struct {
	Exec remote.Executor
	Host string
	Path string
}

func (s *MasterRecordStore) path() string {
	if s.Path == "" {
		return constants.DefaultRecordPath
	}
	return s.Path
}

// Read returns the recorded revision. A missing file reads as an empty target.
func (s *MasterRecordStore) Read(ctx context.Context) (deploy.Target, error) {
	p := remote.Quote(s.path())
	cmd := fmt.Sprintf("if [ -f %s ]; then cat %s; fi", p, p)
	out, err := s.Exec.Run(ctx, s.Host, cmd)
	if err != nil {
		return "", fmt.Errorf("failed to read deployment record %s: %w", s.path(), err)
	}
	return deploy.Target(strings.TrimSpace(out)), nil
}

// Write replaces the record atomically via a temporary file in the same directory.
func (s *MasterRecordStore) Write(ctx context.Context, target deploy.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	final := s.path()
	tmp := path.Join(path.Dir(final), "."+path.Base(final)+".tmp")

	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s\\n' %s > %s && mv -f %s %s",
		remote.Quote(path.Dir(final)),
		remote.Quote(target.String()),
		remote.Quote(tmp),
		remote.Quote(tmp),
		remote.Quote(final),
	)
	if _, err := s.Exec.Run(ctx, s.Host, cmd); err != nil {
		return fmt.Errorf("failed to write deployment record %s: %w", final, err)
	}
	return nil
}
