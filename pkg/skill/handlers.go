package skill

import (
	"context"
	"fmt"

	"github.com/wisbric/agentfleet/pkg/messaging"
	"github.com/wisbric/agentfleet/pkg/task"
)

// DefaultTable returns a Table with one reference Handler registered per
// task.Type. Each handler delegates to sc.Invoker for the actual external
// work — generation, posting, transcription, wallet RPC — matching spec
// section 1's boundary: "the orchestrator itself neither generates text
// nor talks to any specific platform." These handlers are the thin adapter
// the Worker dispatches to, not a Skill implementation in their own right.
func DefaultTable() *Table {
	t := NewTable()
	t.Register(task.TypeAnalyzeTrends, analyzeTrendsHandler())
	t.Register(task.TypeGenerateContent, generateContentHandler())
	t.Register(task.TypePostContent, postContentHandler())
	t.Register(task.TypeReplyComment, replyCommentHandler())
	t.Register(task.TypeExecuteTransaction, executeTransactionHandler())
	return t
}

func analyzeTrendsHandler() Handler {
	return Handler{
		Name:        string(task.TypeAnalyzeTrends),
		InputSchema: Schema{Fields: []Field{{Name: "resource_uri", Kind: "string", Required: false}}},
		OutputSchema: Schema{Fields: []Field{
			{Name: "trends", Kind: "array", Required: true},
		}},
		Run: func(ctx context.Context, t task.Task, sc Context) (task.Result, error) {
			out, err := sc.Invoker.Invoke(ctx, "trend_analysis", map[string]any{
				"goal_description": t.GoalDescription,
				"context":          t.Context,
			})
			if err != nil {
				return task.Result{}, fmt.Errorf("analyze_trends: invoking tool: %w", err)
			}
			return task.Result{
				Status:     task.StatusSuccess,
				Output:     out,
				Confidence: confidenceOf(out),
			}, nil
		},
	}
}

func generateContentHandler() Handler {
	return Handler{
		Name:        string(task.TypeGenerateContent),
		InputSchema: Schema{Fields: []Field{{Name: "persona", Kind: "string", Required: false}}},
		OutputSchema: Schema{Fields: []Field{
			{Name: "text", Kind: "string", Required: true},
		}},
		Run: func(ctx context.Context, t task.Task, sc Context) (task.Result, error) {
			out, err := sc.Invoker.Invoke(ctx, "content_generation", map[string]any{
				"goal_description": t.GoalDescription,
				"context":          t.Context,
			})
			if err != nil {
				return task.Result{}, fmt.Errorf("generate_content: invoking tool: %w", err)
			}
			return task.Result{
				Status:     task.StatusSuccess,
				Output:     out,
				Confidence: confidenceOf(out),
			}, nil
		},
	}
}

func postContentHandler() Handler {
	return Handler{
		Name:        string(task.TypePostContent),
		InputSchema: Schema{Fields: []Field{{Name: "text", Kind: "string", Required: true}}},
		OutputSchema: Schema{Fields: []Field{
			{Name: "post_ref", Kind: "string", Required: true},
		}},
		Run: func(ctx context.Context, t task.Task, sc Context) (task.Result, error) {
			text := t.Context["text"]
			if text == "" {
				text = t.GoalDescription
			}
			provider, err := sc.Messaging.Default()
			if err != nil {
				return task.Result{}, fmt.Errorf("post_content: %w", err)
			}
			ref, err := provider.PostContent(ctx, messaging.PostedContent{
				TenantID: t.TenantID,
				TaskID:   t.TaskID,
				Text:     text,
				MediaRef: t.Context["media_ref"],
			})
			if err != nil {
				return task.Result{}, fmt.Errorf("post_content: %w", err)
			}
			return task.Result{
				Status:     task.StatusSuccess,
				Output:     map[string]any{"post_ref": ref},
				Confidence: 1.0,
			}, nil
		},
	}
}

func replyCommentHandler() Handler {
	return Handler{
		Name:        string(task.TypeReplyComment),
		InputSchema: Schema{Fields: []Field{{Name: "comment_ref", Kind: "string", Required: false}}},
		OutputSchema: Schema{Fields: []Field{
			{Name: "reply_text", Kind: "string", Required: true},
		}},
		Run: func(ctx context.Context, t task.Task, sc Context) (task.Result, error) {
			out, err := sc.Invoker.Invoke(ctx, "reply_generation", map[string]any{
				"goal_description": t.GoalDescription,
				"context":          t.Context,
			})
			if err != nil {
				return task.Result{}, fmt.Errorf("reply_comment: invoking tool: %w", err)
			}
			return task.Result{
				Status:     task.StatusSuccess,
				Output:     out,
				Confidence: confidenceOf(out),
			}, nil
		},
	}
}

func executeTransactionHandler() Handler {
	return Handler{
		Name:        string(task.TypeExecuteTransaction),
		InputSchema: Schema{Fields: []Field{{Name: "amount_usdc", Kind: "number", Required: true}}},
		OutputSchema: Schema{Fields: []Field{
			{Name: "tx_ref", Kind: "string", Required: true},
		}},
		Run: func(ctx context.Context, t task.Task, sc Context) (task.Result, error) {
			out, err := sc.Invoker.Invoke(ctx, "commerce_wallet", map[string]any{
				"goal_description": t.GoalDescription,
				"context":          t.Context,
			})
			if err != nil {
				return task.Result{}, fmt.Errorf("execute_transaction: invoking tool: %w", err)
			}
			cost := 0.0
			if v, ok := out["cost_usdc"].(float64); ok {
				cost = v
			}
			return task.Result{
				Status:     task.StatusSuccess,
				Output:     out,
				Confidence: confidenceOf(out),
				CostUSDC:   cost,
			}, nil
		},
	}
}

// confidenceOf extracts a "confidence" float from a tool result, defaulting
// to 0 if absent or malformed — an Invoker that omits it is treated as
// maximally unconfident rather than erroring the whole dispatch.
func confidenceOf(out map[string]any) float64 {
	if v, ok := out["confidence"].(float64); ok {
		return v
	}
	return 0
}
