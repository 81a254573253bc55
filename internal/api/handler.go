package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/orchestrator"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/runlog"
	"github.com/modelrelay/relay/internal/schema"
	"github.com/modelrelay/relay/pkg/ratelimit"
)

// Handler serves the OpenAI-compatible endpoints. The rate limiter and
// run store may be nil, which disables rate limiting and the usage
// endpoint respectively.
type Handler struct {
	orc     *orchestrator.Orchestrator
	catalog *catalog.Catalog
	runs    runlog.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	log     *slog.Logger
}

func NewHandler(orc *orchestrator.Orchestrator, cat *catalog.Catalog, runs runlog.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{orc: orc, catalog: cat, runs: runs, limiter: limiter, tracer: tracer, log: log}
}

// HandleChatCompletions serves POST /v1/chat/completions, streaming and
// not, depending on the request's stream flag.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
			Code: "unauthorized", Message: "missing or invalid API key",
		}})
		return
	}

	var wreq chatRequest
	if err := json.NewDecoder(r.Body).Decode(&wreq); err != nil {
		h.writeError(w, invalidf("invalid request body: %v", err))
		return
	}
	creq, err := wreq.canonicalize()
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, span := h.tracer.Start(ctx, "api.chat_completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("model", creq.Model),
		attribute.Bool("stream", creq.Stream),
	)

	if !h.allow(ctx, w, tenantID, creq) {
		return
	}

	if creq.Stream {
		h.streamCompletion(ctx, w, creq)
		return
	}

	res, err := h.orc.Run(ctx, creq)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.Conversation.ConversationID != "" {
		w.Header().Set("X-Conversation-Id", res.Conversation.ConversationID)
	}
	w.Header().Set("X-Cache", string(res.CacheStatus))
	writeJSON(w, http.StatusOK, completionResponse(res))
}

// allow consults the rate limiter. Limiter trouble fails open: a broken
// Redis must not take the data plane down with it.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, tenantID string, creq *canonical.Request) bool {
	if h.limiter == nil {
		return true
	}
	allowed, err := h.limiter.Allow(ctx, tenantID, ratelimit.Estimate(creq.MaxTokens))
	if err != nil {
		h.log.Warn("rate limiter unavailable", "tenant_id", tenantID, "error", err)
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", "60")
		h.writeError(w, &provider.Error{Kind: provider.KindRateLimited, Message: "rate limit exceeded"})
		return false
	}
	return true
}

func (h *Handler) streamCompletion(ctx context.Context, w http.ResponseWriter, creq *canonical.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, &provider.Error{Kind: provider.KindUnknown, Message: "streaming unsupported"})
		return
	}

	sw := newStreamWriter(w, flusher, creq.Model)
	res := &orchestrator.Result{}
	err := h.orc.StreamInto(ctx, creq, res, func(c canonical.Chunk) error {
		sw.begin(res)
		return sw.chunk(c)
	})
	if err != nil {
		if sw.started {
			sw.fail(err)
			return
		}
		h.writeError(w, err)
	}
}

// HandleModels serves GET /v1/models in the OpenAI list shape. Models
// come straight from the routing catalog.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	entries := h.catalog.Entries()
	list := modelList{Object: "list", Data: make([]modelObject, 0, len(entries))}
	for _, e := range entries {
		list.Data = append(list.Data, modelObject{
			ID:      e.Model,
			Object:  "model",
			OwnedBy: e.Primary(),
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleUsage serves GET /v1/usage: the tenant's per-run ledger plus
// aggregate totals over a window, defaulting to the last 30 days.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
			Code: "unauthorized", Message: "missing or invalid API key",
		}})
		return
	}
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
			Code: "unknown", Message: "usage store unavailable",
		}})
		return
	}

	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, invalidf("invalid from date: %v", err))
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, invalidf("invalid to date: %v", err))
			return
		}
		to = t
	}

	entries, err := h.runs.UsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.log.Error("usage query failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code: "unknown", Message: "failed to load usage",
		}})
		return
	}
	totals, err := h.runs.TotalsByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.log.Error("usage totals query failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code: "unknown", Message: "failed to load usage",
		}})
		return
	}

	report := usageReport{
		TenantID: tenantID,
		From:     from,
		To:       to,
		Totals: usageTotals{
			Runs:             totals.Runs,
			PromptTokens:     totals.PromptTokens,
			CompletionTokens: totals.CompletionTokens,
			ReasoningTokens:  totals.ReasoningTokens,
			CacheHits:        totals.CacheHits,
		},
		Runs: make([]usageRun, 0, len(entries)),
	}
	for _, e := range entries {
		report.Runs = append(report.Runs, usageRunOut(e))
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleHealthz is the unauthenticated liveness probe.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "relay"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := provider.KindOf(err)
	status := statusForKind(kind)
	if status >= 500 {
		h.log.Error("request failed", "error_kind", string(kind), "error", err)
	}
	writeJSON(w, status, errorBody{Error: detailFor(err)})
}

// detailFor flattens err into the wire error detail. Schema violations
// ride along when the failure was a structured-output validation miss.
func detailFor(err error) errorDetail {
	det := errorDetail{
		Code:    string(provider.KindOf(err)),
		Message: err.Error(),
	}
	if pe := provider.AsError(err); pe != nil {
		det.Provider = pe.Provider
		det.Model = pe.Model
		if pe.Message != "" {
			det.Message = pe.Message
		}
	}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		det.Violations = ve.Violations
		det.Total = ve.Total
	}
	return det
}

// statusForKind maps the error taxonomy onto HTTP statuses. Refusals
// and schema misses are 422: the request was well formed but the output
// could not be produced as asked.
func statusForKind(kind provider.ErrorKind) int {
	switch kind {
	case provider.KindInvalidRequest:
		return http.StatusBadRequest
	case provider.KindValidationFailed, provider.KindContentModerated:
		return http.StatusUnprocessableEntity
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindProviderDown, provider.KindStructuredUnsupported:
		return http.StatusBadGateway
	case provider.KindTransientNetwork:
		return http.StatusGatewayTimeout
	case provider.KindCacheUnavailable, provider.KindConversationUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
