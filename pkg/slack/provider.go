package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wisbric/agentfleet/pkg/messaging"
)

// Provider implements messaging.Provider for Slack.
type Provider struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewProvider wraps an existing Notifier as a messaging.Provider.
func NewProvider(notifier *Notifier, logger *slog.Logger) *Provider {
	return &Provider{notifier: notifier, logger: logger}
}

func (p *Provider) Name() string { return "slack" }

func (p *Provider) PostContent(ctx context.Context, content messaging.PostedContent) (string, error) {
	text := content.Text
	if content.MediaRef != "" {
		text += fmt.Sprintf("\n<%s|media>", content.MediaRef)
	}
	ts, err := p.notifier.PostText(ctx, text)
	if err != nil {
		return "", fmt.Errorf("slack: posting content for task %s: %w", content.TaskID, err)
	}
	return ts, nil
}

func (p *Provider) NotifyEscalation(ctx context.Context, esc messaging.Escalation) error {
	text := fmt.Sprintf(":warning: *Escalation* — task `%s`\n*Reason:* %s\n%s", esc.TaskID, esc.Reason, esc.Summary)
	_, err := p.notifier.PostText(ctx, text)
	if err != nil {
		return fmt.Errorf("slack: notifying escalation for task %s: %w", esc.TaskID, err)
	}
	return nil
}
