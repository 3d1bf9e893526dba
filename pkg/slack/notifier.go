// Package slack implements a messaging.Provider over Slack, the concrete
// external collaborator for post_content dispatch and HITL/Judge
// escalation pings.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends messages to a single configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty the notifier is a
// noop (logging only), so the integration is strictly optional.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable client and channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostText posts plain text to the configured channel and returns the
// message timestamp (its permalink reference).
func (n *Notifier) PostText(ctx context.Context, text string) (string, error) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post")
		return "", nil
	}
	_, ts, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("posting to slack: %w", err)
	}
	return ts, nil
}
