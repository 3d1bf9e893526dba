// Package messaging is the notification side of the Skill boundary: a
// Provider posts content to an external channel and notifies operators of
// escalations. Two verbs cover the domain: posting agent-produced content,
// and notifying a human channel that a HITLItem needs attention.
package messaging

import "context"

// PostedContent is what a Provider publishes on behalf of the post_content
// Skill.
type PostedContent struct {
	TenantID string
	TaskID   string
	Text     string
	MediaRef string
}

// Escalation is what a Provider notifies a human channel about when the
// Judge or HITL Gate needs operator attention.
type Escalation struct {
	TenantID string
	TaskID   string
	Reason   string
	Summary  string
}

// Provider is one external collaborator capable of posting content and
// raising human attention — e.g. Slack. The core depends only on this
// interface; it never imports a concrete provider package outside of
// wiring at startup.
type Provider interface {
	// Name identifies the provider for registry lookup and logging.
	Name() string
	// PostContent publishes agent-produced content, returning an opaque
	// reference (e.g. a message permalink) on success.
	PostContent(ctx context.Context, content PostedContent) (string, error)
	// NotifyEscalation raises an Escalation to a human-attended channel.
	NotifyEscalation(ctx context.Context, esc Escalation) error
}
