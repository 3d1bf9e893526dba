package skill

import (
	"context"
	"fmt"
)

// NopInvoker is a reference Invoker that fabricates a plausible structured
// result for any tool without reaching any real external collaborator. It
// is the default wired at startup when no real tool-invocation transport is
// configured — the transport itself is explicitly out of scope (spec
// section 1: "described only as a capability boundary with typed
// request/response"), so this is what lets the rest of the orchestrator run
// end-to-end in tests and local development.
type NopInvoker struct{}

func (NopInvoker) Invoke(_ context.Context, toolName string, arguments map[string]any) (map[string]any, error) {
	switch toolName {
	case "trend_analysis":
		return map[string]any{
			"trends":     []any{"placeholder-trend"},
			"confidence": 0.5,
		}, nil
	case "content_generation":
		goal, _ := arguments["goal_description"].(string)
		return map[string]any{
			"text":       fmt.Sprintf("generated content for: %s", goal),
			"confidence": 0.5,
		}, nil
	case "reply_generation":
		return map[string]any{
			"reply_text": "thanks for the comment",
			"confidence": 0.5,
		}, nil
	case "commerce_wallet":
		return map[string]any{
			"tx_ref":     "simulated-tx",
			"cost_usdc":  0.0,
			"confidence": 0.5,
		}, nil
	default:
		return nil, fmt.Errorf("skill: nop invoker has no fixture for tool %q", toolName)
	}
}
