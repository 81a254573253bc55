// Package orchestrator drives one inference run end to end: conversation
// resolution, cache lookup, candidate attempts with failover, hosted
// tool execution, output validation and the success-side commits.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/conversation"
	"github.com/modelrelay/relay/internal/fallback"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/respcache"
	"github.com/modelrelay/relay/internal/runlog"
)

// ToolRunner executes gateway-hosted tools. A request whose declared
// tools are all hosted runs a buffered two-phase pipeline instead of
// returning tool calls to the caller.
type ToolRunner interface {
	Has(name string) bool
	Run(ctx context.Context, call canonical.ToolCall) (string, error)
}

// CacheStatus is the response-cache outcome for one run.
type CacheStatus string

const (
	CacheHit  CacheStatus = "hit"
	CacheMiss CacheStatus = "miss"
	CacheSkip CacheStatus = "skip"
)

// Attempt records one provider try, successful or not.
type Attempt struct {
	Provider string
	Model    string
	Strategy Strategy
	ErrKind  provider.ErrorKind
	Reason   string
	Duration time.Duration
}

// Result carries everything about a finished run besides the response
// itself: identity, conversation binding, cache outcome and the attempt
// trail.
type Result struct {
	Response     *canonical.Response
	RunID        string
	Conversation conversation.Resolution
	CacheStatus  CacheStatus
	Attempts     []Attempt
}

type Config struct {
	Registry      *provider.Registry
	Engine        *fallback.Engine
	Cache         *respcache.Cache
	Conversations *conversation.Correlator
	Runs          runlog.Recorder
	Tools         ToolRunner
	Tracer        trace.Tracer
	Logger        *slog.Logger

	// AttemptTimeout bounds one completion call, or the wait for a
	// stream's first chunk. RunBudget bounds the whole failover loop.
	AttemptTimeout time.Duration
	RunBudget      time.Duration
}

type Orchestrator struct {
	registry *provider.Registry
	engine   *fallback.Engine
	cache    *respcache.Cache
	conv     *conversation.Correlator
	runs     runlog.Recorder
	runner   ToolRunner
	breakers map[string]*gobreaker.CircuitBreaker
	tracer   trace.Tracer
	log      *slog.Logger

	attemptTimeout time.Duration
	runBudget      time.Duration
}

func New(cfg Config) *Orchestrator {
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("relay/orchestrator")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 90 * time.Second
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 5 * time.Minute
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, id := range cfg.Registry.IDs() {
		breakers[id] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        id,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	return &Orchestrator{
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		cache:          cfg.Cache,
		conv:           cfg.Conversations,
		runs:           cfg.Runs,
		runner:         cfg.Tools,
		breakers:       breakers,
		tracer:         cfg.Tracer,
		log:            cfg.Logger,
		attemptTimeout: cfg.AttemptTimeout,
		runBudget:      cfg.RunBudget,
	}
}

// Run executes one non-streaming inference request.
func (o *Orchestrator) Run(ctx context.Context, req *canonical.Request) (*Result, error) {
	res := &Result{RunID: uuid.New().String(), CacheStatus: CacheSkip}
	ctx, span := o.tracer.Start(ctx, "relay.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.String("model", req.Model),
	)

	start := time.Now()
	if o.conv != nil {
		res.Conversation = o.conv.Resolve(ctx, req)
	}

	var key respcache.Key
	cacheable := o.cache != nil && respcache.Applicable(req)
	if cacheable {
		key = respcache.KeyFor(req)
		if hit := o.cache.Lookup(ctx, key); hit != nil {
			res.CacheStatus = CacheHit
			res.Response = hit
			o.commitSuccess(ctx, req, res, start, key, false)
			return res, nil
		}
		res.CacheStatus = CacheMiss
	}

	resp, err := o.complete(ctx, req, res)
	if err != nil {
		o.record(ctx, req, res, start, err)
		return res, err
	}

	res.Response = resp
	o.commitSuccess(ctx, req, res, start, key, cacheable)
	return res, nil
}

// complete walks the candidate chain until one attempt succeeds or the
// chain is exhausted.
func (o *Orchestrator) complete(ctx context.Context, req *canonical.Request, res *Result) (*canonical.Response, error) {
	cand, err := o.engine.First(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(o.runBudget)
	var attempted []fallback.Candidate
	for {
		attempted = append(attempted, cand)
		t0 := time.Now()
		resp, strat, err := o.attemptComplete(ctx, req, cand)
		attempt := Attempt{
			Provider: cand.Provider,
			Model:    cand.Model,
			Strategy: strat,
			Reason:   cand.Reason,
			Duration: time.Since(t0),
		}
		if err != nil {
			attempt.ErrKind = provider.KindOf(err)
		}
		res.Attempts = append(res.Attempts, attempt)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, err
		}
		kind := provider.KindOf(err)
		if kind == provider.KindValidationFailed {
			return nil, err
		}
		if time.Now().After(deadline) {
			o.log.Warn("failover budget exhausted",
				"run_id", res.RunID, "model", req.Model, "attempts", len(attempted))
			return nil, err
		}
		next, ok := o.engine.Next(req, attempted, kind)
		if !ok {
			return nil, err
		}
		o.log.Info("failing over",
			"run_id", res.RunID,
			"from_provider", cand.Provider, "from_model", cand.Model,
			"to_provider", next.Provider, "to_model", next.Model,
			"error_kind", string(kind), "reason", next.Reason)
		cand = next
	}
}

func (o *Orchestrator) attemptComplete(ctx context.Context, req *canonical.Request, cand fallback.Candidate) (*canonical.Response, Strategy, error) {
	adapter, err := o.dial(cand)
	if err != nil {
		return nil, "", err
	}

	areq, strat := planRequest(req, adapter.Descriptor().Capabilities)
	areq.Model = cand.Model

	actx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	resp, err := adapter.Complete(actx, areq)
	cancel()
	o.observe(cand.Provider, err)
	if err != nil {
		return nil, strat, err
	}

	resp, err = o.runHostedTools(ctx, adapter, areq, resp)
	if err != nil {
		o.observe(cand.Provider, err)
		return nil, strat, err
	}

	if len(resp.ToolCalls) == 0 {
		if err := checkFormat(req, cand, strat, resp); err != nil {
			return nil, strat, err
		}
	}
	return resp, strat, nil
}

// dial resolves the candidate's adapter and consults its breaker. An
// open breaker reads as the provider being down, which routes the
// failover to an alternate host without an upstream call.
func (o *Orchestrator) dial(cand fallback.Candidate) (provider.Adapter, error) {
	adapter, ok := o.registry.Get(cand.Provider)
	if !ok {
		return nil, &provider.Error{
			Kind: provider.KindProviderDown, Provider: cand.Provider, Model: cand.Model,
			Message: "provider not configured",
		}
	}
	if cb := o.breakers[cand.Provider]; cb != nil && cb.State() == gobreaker.StateOpen {
		return nil, &provider.Error{
			Kind: provider.KindProviderDown, Provider: cand.Provider, Model: cand.Model,
			Message: "circuit open",
		}
	}
	return adapter, nil
}

// observe feeds the provider's breaker. Only infrastructure failures
// count against it; caller-content errors say nothing about health.
func (o *Orchestrator) observe(providerID string, err error) {
	cb := o.breakers[providerID]
	if cb == nil {
		return
	}
	if err == nil {
		_, _ = cb.Execute(func() (any, error) { return nil, nil })
		return
	}
	switch provider.KindOf(err) {
	case provider.KindProviderDown, provider.KindTransientNetwork, provider.KindRateLimited:
		_, _ = cb.Execute(func() (any, error) { return nil, err })
	}
}

// runHostedTools executes one round of gateway-hosted tool calls and asks
// the same host to finish the answer. One round only; a second wave of
// calls goes back to the caller as is.
func (o *Orchestrator) runHostedTools(ctx context.Context, adapter provider.Adapter, areq *canonical.Request, resp *canonical.Response) (*canonical.Response, error) {
	if o.runner == nil || len(resp.ToolCalls) == 0 {
		return resp, nil
	}
	for _, tc := range resp.ToolCalls {
		if !o.runner.Has(tc.Name) {
			return resp, nil
		}
	}

	assistant := canonical.Message{Role: canonical.RoleAssistant, ToolCalls: resp.ToolCalls}
	if resp.Content != "" {
		assistant.Parts = []canonical.Part{canonical.TextPart(resp.Content)}
	}
	msgs := append(slices.Clone(areq.Messages), assistant)
	for _, tc := range resp.ToolCalls {
		out, err := o.runner.Run(ctx, tc)
		if err != nil {
			out = fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		msgs = append(msgs, canonical.Message{
			Role:  canonical.RoleTool,
			Parts: []canonical.Part{{Kind: canonical.PartToolResult, ToolCallID: tc.ID, Text: out}},
		})
	}

	second := *areq
	second.Messages = msgs
	actx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()
	final, err := adapter.Complete(actx, &second)
	if err != nil {
		return nil, err
	}
	final.Usage = addUsage(resp.Usage, final.Usage)
	return final, nil
}

func addUsage(a, b canonical.Usage) canonical.Usage {
	return canonical.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		ReasoningTokens:  a.ReasoningTokens + b.ReasoningTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

// commitSuccess performs the success-side writes: response cache,
// conversation chain and the run log. Tool-call finishes never commit a
// conversation entry, the exchange is not complete yet.
func (o *Orchestrator) commitSuccess(ctx context.Context, req *canonical.Request, res *Result, start time.Time, key respcache.Key, storeCache bool) {
	resp := res.Response
	if storeCache && resp.FinishReason == canonical.FinishStop {
		o.cache.Store(ctx, key, resp)
	}
	if o.conv != nil && len(resp.ToolCalls) == 0 {
		o.conv.Commit(ctx, req, res.Conversation, resp)
	}
	o.record(ctx, req, res, start, nil)
}

func (o *Orchestrator) record(ctx context.Context, req *canonical.Request, res *Result, start time.Time, runErr error) {
	if o.runs == nil {
		return
	}
	e := runlog.Entry{
		RunID:          res.RunID,
		TenantID:       auth.GetTenantID(ctx),
		AgentID:        req.Meta(canonical.MetaAgentID),
		ConversationID: res.Conversation.ConversationID,
		Model:          req.Model,
		CacheHit:       res.CacheStatus == CacheHit,
		Attempts:       len(res.Attempts),
		LatencyMs:      time.Since(start).Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if n := len(res.Attempts); n > 0 {
		e.Strategy = string(res.Attempts[n-1].Strategy)
	}
	if resp := res.Response; resp != nil {
		e.Provider = resp.Provider
		e.Model = resp.Model
		e.PromptTokens = resp.Usage.PromptTokens
		e.CompletionTokens = resp.Usage.CompletionTokens
		e.ReasoningTokens = resp.Usage.ReasoningTokens
		e.FinishReason = string(resp.FinishReason)
	}
	if runErr != nil {
		e.ErrorKind = string(provider.KindOf(runErr))
	}
	o.runs.Record(e)
}
