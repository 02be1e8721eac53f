package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SlackOptions parameterise the Slack incoming-webhook notifier.
type SlackOptions struct {
	// NotificationWebhook receives info severity messages.
	NotificationWebhook string
	// AlertWebhook receives warn and error severity messages.
	AlertWebhook     string
	BroadcastMention string
	Timeout          time.Duration
}

// SlackNotifier posts to Slack incoming webhooks, routing by severity.
type SlackNotifier struct {
	opts   SlackOptions
	client *http.Client
	logger zerolog.Logger
}

// NewSlackNotifier constructs a SlackNotifier.
func NewSlackNotifier(opts SlackOptions, logger zerolog.Logger) *SlackNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.BroadcastMention == "" {
		opts.BroadcastMention = "<!channel>"
	}
	return &SlackNotifier{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_slack").Logger(),
	}
}

func (n *SlackNotifier) webhookFor(severity Severity) string {
	if severity == SeverityInfo || n.opts.AlertWebhook == "" {
		if n.opts.NotificationWebhook != "" {
			return n.opts.NotificationWebhook
		}
	}
	return n.opts.AlertWebhook
}

// Notify posts the rendered message to the webhook matching its severity.
func (n *SlackNotifier) Notify(ctx context.Context, note Notification) error {
	webhook := n.webhookFor(note.Severity)
	if webhook == "" {
		return fmt.Errorf("slack webhook for severity %s not configured", note.Severity)
	}

	text := formatSlack(note)
	if note.BroadcastWide {
		text = n.opts.BroadcastMention + " " + text
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	n.logger.Info().Str("source", note.Source).
		Str("severity", string(note.Severity)).
		Bool("broadcast", note.BroadcastWide).
		Msg("notification delivered (slack)")
	return nil
}

func formatSlack(note Notification) string {
	title := fmt.Sprintf("[`%s`] %s", note.Severity, note.Title)
	body := note.Body
	if body == "" {
		body = "No more description"
	}
	if note.Severity == SeverityError {
		body = "```" + body + "```"
	}
	return title + "\n" + body
}

var _ Notifier = (*SlackNotifier)(nil)
