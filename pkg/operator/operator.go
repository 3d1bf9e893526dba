// Package operator implements the handlers behind the Operator Surface:
// the HITL queue, decision submission, a per-tenant fleet summary, the
// decision log, and operator-injected campaign goals. Handlers sit above
// the chi router built in internal/httpserver and never construct Store
// keys directly — every lookup goes through a keyspace.Resolver.
package operator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/agentfleet/internal/audit"
	"github.com/wisbric/agentfleet/internal/auth"
	"github.com/wisbric/agentfleet/internal/httpserver"
	"github.com/wisbric/agentfleet/pkg/campaign"
	"github.com/wisbric/agentfleet/pkg/hitl"
	"github.com/wisbric/agentfleet/pkg/judge"
	"github.com/wisbric/agentfleet/pkg/keyspace"
	"github.com/wisbric/agentfleet/pkg/perception"
	"github.com/wisbric/agentfleet/pkg/planner"
	"github.com/wisbric/agentfleet/pkg/queue"
	"github.com/wisbric/agentfleet/pkg/store"
	"github.com/wisbric/agentfleet/pkg/task"
)

// Handlers bundles the component references the Operator Surface mounts
// routes against. None of these are owned by the package; they are the
// same instances the supervisor runs the Planner/Worker/Judge loops
// against. BaseCtx is the process lifetime context (not a request's) that
// spawned Perception loops are scoped to, so they outlive the HTTP request
// that created their campaign and are cancelled only on process shutdown.
type Handlers struct {
	HITL          *hitl.Gate
	Audit         *audit.Reader
	Judge         *judge.Judge
	Planner       *planner.Planner
	Campaigns     *campaign.Store
	TaskQueue     *queue.Queue[task.Task]
	Backing       store.Store
	PerceptionCfg perception.Config
	BaseCtx       context.Context
	Logger        *slog.Logger
}

// Mount registers the Operator Surface routes on r. Every route is scoped
// to a {tenant_id} path parameter; RequireAuth/RequireMinRole should already
// be applied by the caller (see internal/httpserver.Server).
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/tenants/{tenant_id}", func(tr chi.Router) {
		tr.Get("/queue/hitl", h.listHITL)
		tr.Get("/fleet", h.getFleet)
		tr.Get("/decisions", h.listDecisions)

		tr.Group(func(wr chi.Router) {
			wr.Use(auth.RequireMinRole(auth.RoleOperator))
			wr.Post("/hitl/{task_id}/decision", h.postHITLDecision)
			wr.Post("/planner/{campaign_id}/goals", h.postPlannerGoals)
			wr.Post("/campaigns", h.postCreateCampaign)
		})
	})
}

// tenantResolver builds the Resolver for the path's {tenant_id}, rejecting
// the request if the caller's PAT is scoped to a different tenant.
func tenantResolver(w http.ResponseWriter, r *http.Request) (keyspace.Resolver, bool) {
	tenantID := chi.URLParam(r, "tenant_id")
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id.TenantID != "" && id.TenantID != tenantID {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "token is not scoped to this tenant")
		return keyspace.Resolver{}, false
	}
	return keyspace.New(tenantID), true
}

// listHITL backs "GET queue:hitl (paginated)".
func (h *Handlers) listHITL(w http.ResponseWriter, r *http.Request) {
	ks, ok := tenantResolver(w, r)
	if !ok {
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	items, err := h.HITL.List(r.Context(), ks, int64(params.Offset), int64(params.PageSize))
	if err != nil {
		h.Logger.Error("operator: listing hitl queue", "error", err, "tenant_id", ks.TenantID())
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to list hitl queue")
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, len(items)))
}

// listDecisions pages through the tenant's append-only decision log,
// newest first.
func (h *Handlers) listDecisions(w http.ResponseWriter, r *http.Request) {
	ks, ok := tenantResolver(w, r)
	if !ok {
		return
	}
	if h.Audit == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "decision log not configured")
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	records, err := h.Audit.ListByTenant(r.Context(), ks.TenantID(), params.Offset, params.PageSize)
	if err != nil {
		h.Logger.Error("operator: listing decision log", "error", err, "tenant_id", ks.TenantID())
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to list decision log")
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(records, params, len(records)))
}

// decisionRequest is the body of POST hitl/{task_id}/decision.
type decisionRequest struct {
	Verdict string `json:"verdict" validate:"required,oneof=approve reject_retry reject_drop"`
}

// postHITLDecision backs "POST hitl/{task_id}/decision", applying one of
// the three accepted verdicts.
func (h *Handlers) postHITLDecision(w http.ResponseWriter, r *http.Request) {
	ks, ok := tenantResolver(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")

	var req decisionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.Judge.ApplyVerdict(r.Context(), ks, taskID, task.Verdict(req.Verdict)); err != nil {
		if errors.Is(err, hitl.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "no pending hitl item for this task")
			return
		}
		h.Logger.Error("operator: applying hitl verdict", "error", err, "task_id", taskID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to apply verdict")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"task_id": taskID, "verdict": req.Verdict})
}

// fleetSummary is the response shape for GET fleet/{tenant}.
type fleetSummary struct {
	TenantID       string `json:"tenant_id"`
	TaskQueueDepth int64  `json:"task_queue_depth"`
	TaskInFlight   int64  `json:"task_in_flight"`
	HITLPending    int    `json:"hitl_pending"`
}

// getFleet backs "GET fleet/{tenant}".
func (h *Handlers) getFleet(w http.ResponseWriter, r *http.Request) {
	ks, ok := tenantResolver(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	depth, err := h.TaskQueue.Depth(ctx, ks.TaskQueue())
	if err != nil {
		h.Logger.Error("operator: reading task queue depth", "error", err, "tenant_id", ks.TenantID())
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to read fleet state")
		return
	}
	inFlight, err := h.TaskQueue.InFlight(ctx, ks.TaskQueue())
	if err != nil {
		h.Logger.Error("operator: reading task queue in-flight", "error", err, "tenant_id", ks.TenantID())
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to read fleet state")
		return
	}
	pending, err := h.HITL.List(ctx, ks, 0, 1000)
	if err != nil {
		h.Logger.Error("operator: reading hitl backlog", "error", err, "tenant_id", ks.TenantID())
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to read fleet state")
		return
	}

	httpserver.Respond(w, http.StatusOK, fleetSummary{
		TenantID:       ks.TenantID(),
		TaskQueueDepth: depth,
		TaskInFlight:   inFlight,
		HITLPending:    len(pending),
	})
}

// goalsRequest is the body of POST planner/{campaign}/goals.
type goalsRequest struct {
	Goals []string `json:"goals" validate:"required,min=1,dive,required"`
}

// postPlannerGoals backs "POST planner/{campaign}/goals": appends
// operator-injected goals to a campaign under OCC and immediately
// decomposes and enqueues the resulting Tasks.
func (h *Handlers) postPlannerGoals(w http.ResponseWriter, r *http.Request) {
	ks, ok := tenantResolver(w, r)
	if !ok {
		return
	}
	campaignID := chi.URLParam(r, "campaign_id")

	var req goalsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	const maxOCCRetries = 5
	st, err := h.Campaigns.AppendGoals(r.Context(), ks, campaignID, req.Goals, maxOCCRetries)
	if errors.Is(err, campaign.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "campaign does not exist")
		return
	}
	if err != nil {
		h.Logger.Error("operator: appending campaign goals", "error", err, "campaign_id", campaignID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to append goals")
		return
	}

	tasks, err := h.Planner.PlanGoals(r.Context(), ks, campaignID, req.Goals)
	if err != nil {
		h.Logger.Error("operator: planning injected goals", "error", err, "campaign_id", campaignID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "goals saved but planning failed")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]any{
		"campaign_id":    campaignID,
		"goals":          st.Goals,
		"version":        st.Version,
		"tasks_enqueued": len(tasks),
	})
}

// createCampaignRequest is the body of POST campaigns.
type createCampaignRequest struct {
	CampaignID          string   `json:"campaign_id" validate:"required"`
	Goals               []string `json:"goals"`
	BudgetRemainingUSDC float64  `json:"budget_remaining_usdc" validate:"gte=0"`
}

// postCreateCampaign creates a CampaignState and starts its Perception
// loop — one polling loop per (tenant, campaign). This is the entry point
// that makes goal injection and Perception possible in the first place;
// nothing else creates a CampaignState.
func (h *Handlers) postCreateCampaign(w http.ResponseWriter, r *http.Request) {
	ks, ok := tenantResolver(w, r)
	if !ok {
		return
	}

	var req createCampaignRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	st, err := h.Campaigns.Create(r.Context(), ks, campaign.State{
		CampaignID:          req.CampaignID,
		TenantID:            ks.TenantID(),
		Goals:               req.Goals,
		BudgetRemainingUSDC: req.BudgetRemainingUSDC,
	})
	if err != nil {
		h.Logger.Error("operator: creating campaign", "error", err, "campaign_id", req.CampaignID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to create campaign")
		return
	}

	if len(req.Goals) > 0 {
		if _, err := h.Planner.PlanGoals(r.Context(), ks, req.CampaignID, req.Goals); err != nil {
			h.Logger.Error("operator: planning initial goals", "error", err, "campaign_id", req.CampaignID)
		}
	}

	p := perception.New(perception.NopResourceReader{}, h.TaskQueue, h.Campaigns, h.Backing, h.Logger, h.PerceptionCfg)
	go p.Run(h.BaseCtx, ks, req.CampaignID)

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"campaign_id": st.CampaignID,
		"version":     st.Version,
	})
}
