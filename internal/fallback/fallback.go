// Package fallback proposes the next (provider, model) candidate after a
// classified failure. Selection is pure catalog arithmetic: identical
// (model, error kind) inputs always yield the same candidate.
package fallback

import (
	"fmt"

	"github.com/modelrelay/relay/internal/canonical"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/provider"
)

// DefaultMaxAttempts bounds an attempt chain when no limit is configured.
const DefaultMaxAttempts = 3

// Candidate is one (provider, model) attempt and the rationale that
// selected it.
type Candidate struct {
	Provider string
	Model    string
	Reason   string
}

// Engine selects candidates from the catalog. It is stateless; the
// orchestrator owns the attempt loop and passes back what it has tried.
type Engine struct {
	catalog     *catalog.Catalog
	maxAttempts int
}

func New(cat *catalog.Catalog, maxAttempts int) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Engine{catalog: cat, maxAttempts: maxAttempts}
}

// First resolves the requested model to its primary host. An unknown
// model is invalid_request.
func (e *Engine) First(req *canonical.Request) (Candidate, error) {
	entry, ok := e.catalog.Lookup(req.Model)
	if !ok {
		return Candidate{}, &provider.Error{
			Kind:    provider.KindInvalidRequest,
			Model:   req.Model,
			Message: fmt.Sprintf("unknown model %q", req.Model),
		}
	}
	return Candidate{Provider: entry.Primary(), Model: req.Model, Reason: "requested model"}, nil
}

// Next proposes the candidate after a failure of the given kind, or
// reports that the chain is over. Terminal kinds and exhausted budgets
// never produce a candidate.
func (e *Engine) Next(req *canonical.Request, attempted []Candidate, kind provider.ErrorKind) (Candidate, bool) {
	if len(attempted) >= e.maxAttempts || !kind.Retriable() {
		return Candidate{}, false
	}
	switch req.Fallback.Mode {
	case canonical.FallbackNever:
		return Candidate{}, false
	case canonical.FallbackList:
		return e.nextFromList(req.Fallback.Targets, attempted)
	default:
		return e.nextAuto(attempted, kind)
	}
}

func (e *Engine) nextFromList(targets []string, attempted []Candidate) (Candidate, bool) {
	for _, model := range targets {
		entry, ok := e.catalog.Lookup(model)
		if !ok {
			continue
		}
		host := entry.Primary()
		if tried(attempted, host, model) {
			continue
		}
		return Candidate{Provider: host, Model: model, Reason: "caller fallback list"}, true
	}
	return Candidate{}, false
}

func (e *Engine) nextAuto(attempted []Candidate, kind provider.ErrorKind) (Candidate, bool) {
	last := attempted[len(attempted)-1]
	failed, ok := e.catalog.Lookup(last.Model)
	if !ok {
		return Candidate{}, false
	}

	switch kind {
	case provider.KindRateLimited:
		return e.sameTierDifferentProvider(failed, last, attempted)
	case provider.KindStructuredUnsupported:
		return e.structuredCapable(failed, attempted)
	case provider.KindContentModerated:
		return e.morePermissive(failed, attempted)
	case provider.KindTransientNetwork, provider.KindProviderDown:
		if c, ok := e.alternateHost(failed, attempted); ok {
			return c, true
		}
		return e.nearestTier(failed, attempted)
	}
	return Candidate{}, false
}

func tried(attempted []Candidate, providerID, model string) bool {
	for _, a := range attempted {
		if a.Provider == providerID && a.Model == model {
			return true
		}
	}
	return false
}

// sameTierDifferentProvider picks the first catalog entry in the failed
// model's price tier reachable through a host other than the one that
// limited us. The same model on another host qualifies.
func (e *Engine) sameTierDifferentProvider(failed catalog.Entry, last Candidate, attempted []Candidate) (Candidate, bool) {
	for _, entry := range e.catalog.Entries() {
		if entry.PriceTier != failed.PriceTier {
			continue
		}
		for _, host := range entry.Providers {
			if host == last.Provider || tried(attempted, host, entry.Model) {
				continue
			}
			return Candidate{
				Provider: host,
				Model:    entry.Model,
				Reason:   fmt.Sprintf("rate limited on %s; same price tier via %s", last.Provider, host),
			}, true
		}
	}
	return Candidate{}, false
}

// structuredCapable picks the model with native structured output whose
// price tier is closest to the failed one.
func (e *Engine) structuredCapable(failed catalog.Entry, attempted []Candidate) (Candidate, bool) {
	var best Candidate
	bestDist := -1
	for _, entry := range e.catalog.Entries() {
		if !entry.StructuredOutput {
			continue
		}
		host := entry.Primary()
		if tried(attempted, host, entry.Model) {
			continue
		}
		dist := abs(entry.PriceTier - failed.PriceTier)
		if bestDist == -1 || dist < bestDist {
			best = Candidate{
				Provider: host,
				Model:    entry.Model,
				Reason:   fmt.Sprintf("native structured output at price tier %d", entry.PriceTier),
			}
			bestDist = dist
		}
	}
	return best, bestDist != -1
}

// morePermissive picks the most permissive model ranked above the one
// that refused.
func (e *Engine) morePermissive(failed catalog.Entry, attempted []Candidate) (Candidate, bool) {
	var best Candidate
	bestRank := failed.Permissiveness
	found := false
	for _, entry := range e.catalog.Entries() {
		if entry.Permissiveness <= failed.Permissiveness {
			continue
		}
		host := entry.Primary()
		if tried(attempted, host, entry.Model) {
			continue
		}
		if entry.Permissiveness > bestRank {
			best = Candidate{
				Provider: host,
				Model:    entry.Model,
				Reason:   fmt.Sprintf("more permissive model (rank %d)", entry.Permissiveness),
			}
			bestRank = entry.Permissiveness
			found = true
		}
	}
	return best, found
}

// alternateHost walks the failed model's own host list before any model
// substitution happens.
func (e *Engine) alternateHost(failed catalog.Entry, attempted []Candidate) (Candidate, bool) {
	for _, host := range failed.Providers {
		if tried(attempted, host, failed.Model) {
			continue
		}
		return Candidate{
			Provider: host,
			Model:    failed.Model,
			Reason:   "same model via alternate host " + host,
		}, true
	}
	return Candidate{}, false
}

// nearestTier escalates to the model whose price tier is closest to the
// failed one once its own hosts are exhausted.
func (e *Engine) nearestTier(failed catalog.Entry, attempted []Candidate) (Candidate, bool) {
	var best Candidate
	bestDist := -1
	for _, entry := range e.catalog.Entries() {
		host := entry.Primary()
		if tried(attempted, host, entry.Model) {
			continue
		}
		dist := abs(entry.PriceTier - failed.PriceTier)
		if bestDist == -1 || dist < bestDist {
			best = Candidate{
				Provider: host,
				Model:    entry.Model,
				Reason:   fmt.Sprintf("provider unreachable; nearest price tier %d", entry.PriceTier),
			}
			bestDist = dist
		}
	}
	return best, bestDist != -1
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
