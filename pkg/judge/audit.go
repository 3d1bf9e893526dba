package judge

import (
	"context"
	"log/slog"

	"github.com/wisbric/agentfleet/pkg/task"
)

// AuditSink records a finalized JudgeDecision outside the hot path. The
// Judge only depends on this narrow interface — a Postgres-backed
// implementation lives in internal/audit and is wired at startup; tests
// use LogAuditSink.
type AuditSink interface {
	RecordDecision(ctx context.Context, decision task.JudgeDecision) error
}

// LogAuditSink writes decisions to a structured logger. Every judge_test.go
// case uses it; internal/app wires audit.Writer instead.
type LogAuditSink struct {
	Logger *slog.Logger
}

func (s LogAuditSink) RecordDecision(_ context.Context, decision task.JudgeDecision) error {
	s.Logger.Info("judge decision",
		"task_id", decision.TaskID,
		"tenant_id", decision.TenantID,
		"decision", decision.Decision,
		"requires_human_review", decision.RequiresHumanReview,
		"reasoning", decision.Reasoning,
	)
	return nil
}
