package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/hgmo/hgdeploy/internal/deploy"
)

type SlackMsg struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Fallback string   `json:"fallback,omitempty"`
	Text     string   `json:"text"`
	Color    string   `json:"color,omitempty"`
	Markdown []string `json:"mrkdwn_in,omitempty"`
}

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// SlackNotifier posts run events to an incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	Channel    string
	Username   string
	Client     *http.Client
}

func (n *SlackNotifier) Notify(ctx context.Context, ev deploy.Event) error {
	if n.WebhookURL == "" {
		return errors.New("no Slack webhook URL configured")
	}
	text, err := Render(ev)
	if err != nil {
		return err
	}

	msg := SlackMsg{
		Channel:  n.Channel,
		Username: n.Username,
		Text:     text,
	}
	if msg.Channel == "" {
		msg.Channel = constants.DefaultNotifyChannel
	}
	if msg.Username == "" {
		msg.Username = constants.AppName
	}
	if ev.Kind == deploy.EventStart && len(ev.Changes) > 0 {
		msg.Attachments = append(msg.Attachments, changesAttachment(ev.Changes))
	}
	return n.post(ctx, msg)
}

func changesAttachment(changes []deploy.Change) SlackAttachment {
	buf := &bytes.Buffer{}
	fmt.Fprintln(buf, "```")
	for _, line := range ChangeLines(changes) {
		fmt.Fprintln(buf, line)
	}
	fmt.Fprintln(buf, "```")
	return SlackAttachment{
		Fallback: fmt.Sprintf("%d changesets", len(changes)),
		Text:     buf.String(),
		Markdown: []string{"text"},
		Color:    "good",
	}
}

func (n *SlackNotifier) post(ctx context.Context, msg SlackMsg) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return fmt.Errorf("encoding Slack POST request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, buf)
	if err != nil {
		return fmt.Errorf("constructing Slack HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("executing HTTP POST to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		return fmt.Errorf("%s from Slack (%s)", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
