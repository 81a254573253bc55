// Package provider defines the interface every upstream model API
// adapter implements, the capability metadata the fallback engine reads,
// and the classified error type all failures are reduced to.
package provider

import (
	"context"
	"slices"

	"github.com/modelrelay/relay/internal/canonical"
)

// Capabilities flags what an upstream natively supports. The orchestrator
// and the schema engine pick strategies from these, never from provider
// names.
type Capabilities struct {
	Streaming        bool
	ToolCalls        bool
	StructuredOutput bool // native json_schema
	JSONMode         bool // json_object
}

// Descriptor identifies an adapter and what it can do.
type Descriptor struct {
	ID               string
	Models           []string
	Capabilities     Capabilities
	MaxContextTokens int
	MaxOutputTokens  int
}

// Supports reports whether the adapter hosts the given model.
func (d Descriptor) Supports(model string) bool {
	return slices.Contains(d.Models, model)
}

// Adapter translates canonical calls to one upstream wire format. Both
// call paths return *Error on failure so the fallback engine can read the
// classification without re-inspecting transport details.
type Adapter interface {
	Descriptor() Descriptor
	Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error)
	Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Chunk, error)
}
