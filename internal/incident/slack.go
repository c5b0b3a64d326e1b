package incident

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts incident notifications to a single Slack channel. If
// botToken is empty it is a no-op notifier: outbound notification is
// disabled rather than erroring when the integration isn't configured.
type SlackNotifier struct {
	client *goslack.Client
	channel string
	logger *slog.Logger
}

// NewSlackNotifier constructs a SlackNotifier. Pass botToken="" to disable it.
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier has a usable client and channel.
func (n *SlackNotifier) IsEnabled() bool {
	return n != nil && n.client != nil && n.channel != ""
}

// PostIncident sends a plain-text incident notification to the configured
// channel.
func (n *SlackNotifier) PostIncident(ctx context.Context, text string) error {
	if !n.IsEnabled() {
		return nil
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting incident to slack: %w", err)
	}
	return nil
}
