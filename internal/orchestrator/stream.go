package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/fallback"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/respcache"
)

// Stream executes one streaming request, forwarding every delivered
// chunk through send while accumulating the same chunks for the commit
// path. Failover is possible only until the first chunk reaches send;
// after that the attempt owns the connection.
func (o *Orchestrator) Stream(ctx context.Context, req *canonical.Request, send func(canonical.Chunk) error) (*Result, error) {
	res := &Result{}
	err := o.StreamInto(ctx, req, res, send)
	return res, err
}

// StreamInto is Stream with a caller-owned Result. The run id,
// conversation binding, and cache status are all populated before the
// first call to send, so an HTTP handler can flush them as response
// headers from inside the callback.
func (o *Orchestrator) StreamInto(ctx context.Context, req *canonical.Request, res *Result, send func(canonical.Chunk) error) error {
	if res.RunID == "" {
		res.RunID = uuid.New().String()
	}
	res.CacheStatus = CacheSkip
	ctx, span := o.tracer.Start(ctx, "relay.stream")
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
			if err := replay(hit, send); err != nil {
				return err
			}
			o.commitSuccess(ctx, req, res, start, key, false)
			return nil
		}
		res.CacheStatus = CacheMiss
	}

	// A request whose tools are all gateway-hosted runs buffered: phase
	// one must stay private, only the final answer streams out.
	if o.hostedOnly(req) {
		resp, err := o.complete(ctx, req, res)
		if err != nil {
			o.record(ctx, req, res, start, err)
			return err
		}
		res.Response = resp
		if err := replay(resp, send); err != nil {
			o.record(ctx, req, res, start, err)
			return err
		}
		o.commitSuccess(ctx, req, res, start, key, cacheable)
		return nil
	}

	resp, err := o.streamAttempts(ctx, req, res, send)
	if err != nil {
		o.record(ctx, req, res, start, err)
		return err
	}
	res.Response = resp
	o.commitSuccess(ctx, req, res, start, key, cacheable)
	return nil
}

func (o *Orchestrator) hostedOnly(req *canonical.Request) bool {
	if o.runner == nil || len(req.Tools) == 0 {
		return false
	}
	for _, t := range req.Tools {
		if !o.runner.Has(t.Name) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) streamAttempts(ctx context.Context, req *canonical.Request, res *Result, send func(canonical.Chunk) error) (*canonical.Response, error) {
	cand, err := o.engine.First(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(o.runBudget)
	var attempted []fallback.Candidate
	for {
		attempted = append(attempted, cand)
		t0 := time.Now()
		resp, strat, flushed, err := o.attemptStream(ctx, req, cand, res.RunID, send)
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

		if flushed || ctx.Err() != nil {
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

// attemptStream runs one streaming attempt. The done chunk is withheld
// until the accumulated output passes the format check, so a client
// never sees a completed stream followed by a validation verdict.
func (o *Orchestrator) attemptStream(ctx context.Context, req *canonical.Request, cand fallback.Candidate, runID string, send func(canonical.Chunk) error) (*canonical.Response, Strategy, bool, error) {
	adapter, err := o.dial(cand)
	if err != nil {
		return nil, "", false, err
	}

	areq, strat := planRequest(req, adapter.Descriptor().Capabilities)
	areq.Model = cand.Model

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := adapter.Stream(sctx, areq)
	if err != nil {
		o.observe(cand.Provider, err)
		return nil, strat, false, err
	}

	acc := canonical.NewAccumulator()
	flushed := false
	timer := time.NewTimer(o.attemptTimeout)
	defer timer.Stop()

	finish := func(done canonical.Chunk) (*canonical.Response, Strategy, bool, error) {
		o.observe(cand.Provider, nil)
		resp := acc.Response(runID, cand.Model, cand.Provider, time.Now().Unix())
		if len(resp.ToolCalls) == 0 {
			if err := checkFormat(req, cand, strat, resp); err != nil {
				return nil, strat, flushed, err
			}
		}
		if err := send(done); err != nil {
			return nil, strat, true, fmt.Errorf("client write failed: %w", err)
		}
		return resp, strat, true, nil
	}

	for {
		select {
		case c, ok := <-ch:
			timer.Stop()
			if !ok {
				// upstream ended without a done marker
				if !flushed {
					err := &provider.Error{
						Kind: provider.KindTransientNetwork, Provider: cand.Provider, Model: cand.Model,
						Message: "stream ended before any output",
					}
					o.observe(cand.Provider, err)
					return nil, strat, false, err
				}
				return finish(canonical.Chunk{Kind: canonical.ChunkDone, FinishReason: canonical.FinishStop})
			}
			if c.Err != nil {
				o.observe(cand.Provider, c.Err)
				return nil, strat, flushed, c.Err
			}
			acc.Add(c)
			if c.Kind == canonical.ChunkDone {
				return finish(c)
			}
			if err := send(c); err != nil {
				return nil, strat, true, fmt.Errorf("client write failed: %w", err)
			}
			flushed = true

		case <-timer.C:
			if flushed {
				continue
			}
			err := &provider.Error{
				Kind: provider.KindTransientNetwork, Provider: cand.Provider, Model: cand.Model,
				Message: "no stream output before deadline",
			}
			o.observe(cand.Provider, err)
			return nil, strat, false, err

		case <-ctx.Done():
			return nil, strat, flushed, &provider.Error{
				Kind: provider.KindForTransport(ctx.Err()), Provider: cand.Provider, Model: cand.Model,
				Message: "run interrupted", Err: ctx.Err(),
			}
		}
	}
}

// replay streams an already-complete response as chunks, keeping the
// same kind separation a live stream would have.
func replay(resp *canonical.Response, send func(canonical.Chunk) error) error {
	if resp.Reasoning != "" {
		if err := send(canonical.Chunk{Kind: canonical.ChunkReasoning, Text: resp.Reasoning}); err != nil {
			return err
		}
	}
	if resp.Content != "" {
		if err := send(canonical.Chunk{Kind: canonical.ChunkContent, Text: resp.Content}); err != nil {
			return err
		}
	}
	for i, tc := range resp.ToolCalls {
		if err := send(canonical.Chunk{Kind: canonical.ChunkToolCall, ToolCall: &canonical.ToolCallDelta{
			Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		}}); err != nil {
			return err
		}
	}
	u := resp.Usage
	if err := send(canonical.Chunk{Kind: canonical.ChunkUsage, Usage: &u}); err != nil {
		return err
	}
	return send(canonical.Chunk{Kind: canonical.ChunkDone, FinishReason: resp.FinishReason})
}
