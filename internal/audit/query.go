package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one decision_log row as read back for the Operator Surface.
type Record struct {
	TenantID            string    `json:"tenant_id"`
	TaskID              string    `json:"task_id"`
	CampaignID          string    `json:"campaign_id,omitempty"`
	Decision            string    `json:"decision"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	Reasoning           string    `json:"reasoning"`
	Source              string    `json:"source"`
	DecidedAt           time.Time `json:"decided_at"`
}

// Reader lists decision_log entries for one tenant, newest first.
type Reader struct {
	db *pgxpool.Pool
}

// NewReader wraps a connected pgxpool.Pool for read-only queries.
func NewReader(db *pgxpool.Pool) *Reader {
	return &Reader{db: db}
}

// ListByTenant returns up to limit entries for tenantID starting at offset,
// most recent first, backing the Operator Surface's decision-log endpoint.
func (r *Reader) ListByTenant(ctx context.Context, tenantID string, offset, limit int) ([]Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT tenant_id, task_id, COALESCE(campaign_id, ''), decision, requires_human_review, reasoning, source, decided_at
		 FROM decision_log WHERE tenant_id = $1 ORDER BY decided_at DESC OFFSET $2 LIMIT $3`,
		tenantID, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: listing decision log for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.TenantID, &rec.TaskID, &rec.CampaignID, &rec.Decision, &rec.RequiresHumanReview, &rec.Reasoning, &rec.Source, &rec.DecidedAt); err != nil {
			return nil, fmt.Errorf("audit: scanning decision log row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
