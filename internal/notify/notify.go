package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/hgmo/hgdeploy/internal/logging"
)

// LogNotifier writes events to the structured log instead of a chat channel.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, ev deploy.Event) error {
	text, err := Render(ev)
	if err != nil {
		return err
	}
	logger := n.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	logger.Info(text, "event", string(ev.Kind), "changes", len(ev.Changes))
	if ev.Kind == deploy.EventStart {
		for _, line := range ChangeLines(ev.Changes) {
			logger.Info(line, "event", string(ev.Kind))
		}
	}
	return nil
}

// Multi sends every event to all of its notifiers and joins their errors.
type Multi []deploy.Notifier

func (m Multi) Notify(ctx context.Context, ev deploy.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
