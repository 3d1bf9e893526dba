// Package perception implements the Perception component: a per-(tenant,
// campaign) polling loop that reads external resources, scores each
// content item against the campaign's goals, and emits analyze_trends
// Tasks for whatever clears the relevance threshold, deduped by a TTL'd
// seen-set. It applies the Worker's own back-pressure rule against
// queue:task.
package perception

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/agentfleet/internal/telemetry"
	"github.com/wisbric/agentfleet/pkg/campaign"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

// TaskHighWaterMark and the back-pressure bounds mirror the Worker's own
// constants.
const (
	TaskHighWaterMark   = 1000
	backpressureInitial = 200 * time.Millisecond
	backpressureMax     = 2 * time.Second
)

// Config holds one Perception instance's tunables: poll interval,
// relevance threshold, dedup window, and the resource URIs to read. Goal
// phrases are read from CampaignState at each poll rather than fixed at
// construction, so operator-injected goals take effect on the next tick.
type Config struct {
	PollInterval time.Duration
	Threshold    float64
	DedupTTL     time.Duration
	ResourceURIs []string
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Threshold == 0 {
		c.Threshold = 0.75
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = 24 * time.Hour
	}
	return c
}

// Perception polls a fixed set of resources for one (tenant, campaign) pair.
type Perception struct {
	reader    ResourceReader
	taskQueue *queue.Queue[task.Task]
	campaigns *campaign.Store
	backing   store.Store
	logger    *slog.Logger
	cfg       Config

	backoff time.Duration
}

// New constructs a Perception instance.
func New(reader ResourceReader, taskQueue *queue.Queue[task.Task], campaigns *campaign.Store, backing store.Store, logger *slog.Logger, cfg Config) *Perception {
	return &Perception{
		reader:    reader,
		taskQueue: taskQueue,
		campaigns: campaigns,
		backing:   backing,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Run polls campaignID on cfg.PollInterval until ctx is cancelled.
func (p *Perception) Run(ctx context.Context, ks keyspace.Resolver, campaignID string) {
	p.logger.Info("perception started", "tenant_id", ks.TenantID(), "campaign_id", campaignID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("perception stopped", "tenant_id", ks.TenantID(), "campaign_id", campaignID)
			return
		case <-ticker.C:
			if p.applyBackpressure(ctx, ks) {
				continue
			}
			if _, err := p.PollOnce(ctx, ks, campaignID); err != nil {
				p.logger.Error("perception: polling", "campaign_id", campaignID, "error", err)
			}
		}
	}
}

// applyBackpressure mirrors the Worker's rule against queue:task instead
// of queue:review.
func (p *Perception) applyBackpressure(ctx context.Context, ks keyspace.Resolver) bool {
	depth, err := p.taskQueue.Depth(ctx, ks.TaskQueue())
	if err != nil {
		p.logger.Error("perception: checking task queue depth", "error", err)
		return false
	}
	telemetry.QueueDepth.WithLabelValues(ks.TenantID(), "task").Set(float64(depth))
	if depth <= TaskHighWaterMark {
		p.backoff = 0
		return false
	}
	if p.backoff == 0 {
		p.backoff = backpressureInitial
	} else {
		p.backoff = time.Duration(math.Min(float64(p.backoff*2), float64(backpressureMax)))
	}
	p.logger.Warn("perception: task queue congested, backing off", "depth", depth, "backoff", p.backoff)
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
	return true
}

// PollOnce reads every configured resource once, scores each content item
// against campaignID's current goals, and enqueues one analyze_trends Task
// per item whose best score clears cfg.Threshold and has not already been
// seen within cfg.DedupTTL. It returns the number of Tasks emitted.
func (p *Perception) PollOnce(ctx context.Context, ks keyspace.Resolver, campaignID string) (int, error) {
	st, err := p.campaigns.Read(ctx, ks, campaignID)
	if err != nil {
		return 0, fmt.Errorf("perception: reading campaign %s: %w", campaignID, err)
	}
	if len(st.Goals) == 0 {
		return 0, nil
	}

	emitted := 0
	for _, uri := range p.cfg.ResourceURIs {
		items, err := p.reader.Read(ctx, uri)
		if err != nil {
			p.logger.Error("perception: reading resource", "uri", uri, "error", err)
			continue
		}
		for _, item := range items {
			goal, best := bestMatch(item.Content, st.Goals)
			if best < p.cfg.Threshold {
				continue
			}
			seen, err := p.markSeen(ctx, ks, campaignID, item.Content)
			if err != nil {
				return emitted, err
			}
			if seen {
				continue
			}
			if err := p.emit(ctx, ks, campaignID, goal, uri, best); err != nil {
				return emitted, err
			}
			emitted++
		}
	}
	return emitted, nil
}

// markSeen returns true if content has already been recorded for
// campaignID within the dedup window. The tenant/campaign scoping comes
// from ks.PerceptionSeen; only the content hash is appended here, the same
// way pkg/queue appends item/lease suffixes onto a keyspace-resolved
// prefix.
func (p *Perception) markSeen(ctx context.Context, ks keyspace.Resolver, campaignID, content string) (bool, error) {
	sum := sha256.Sum256([]byte(content))
	key := fmt.Sprintf("%s:%s", ks.PerceptionSeen(campaignID), hex.EncodeToString(sum[:]))
	created, err := p.backing.SetNX(ctx, key, []byte{1}, p.cfg.DedupTTL)
	if err != nil {
		return false, fmt.Errorf("perception: dedup check: %w", err)
	}
	return !created, nil
}

func (p *Perception) emit(ctx context.Context, ks keyspace.Resolver, campaignID, goal, uri string, best float64) error {
	priority := task.PriorityMedium
	if best >= 0.9 {
		priority = task.PriorityHigh
	}
	now := time.Now()
	tk := task.Task{
		TaskID:          uuid.NewString(),
		TenantID:        ks.TenantID(),
		CampaignID:      campaignID,
		TaskType:        task.TypeAnalyzeTrends,
		Priority:        priority,
		GoalDescription: goal,
		Context:         map[string]string{"resource_uri": uri},
		State:           task.StatePending,
		Attempt:         0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.taskQueue.Enqueue(ctx, ks.TaskQueue(), tk, priority); err != nil {
		return fmt.Errorf("perception: enqueueing task: %w", err)
	}
	p.logger.Info("perception: emitted task", "campaign_id", campaignID, "task_id", tk.TaskID, "goal", goal, "score", best)
	return nil
}
