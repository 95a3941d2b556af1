package channel

import (
	"context"
)

// ====================================================================================
// Handler kinds. Every handler is registered explicitly through a
// constructor that binds its kind and its required, unique name; names are
// first-class inputs, validated at channel construction.
// ====================================================================================

// HandlerKind tags what a processor or destination does.
type HandlerKind string

const (
	KindGenericProcessor  HandlerKind = "GenericProcessor"
	KindFilter            HandlerKind = "Filter"
	KindTransformer       HandlerKind = "Transformer"
	KindProcessorRouter   HandlerKind = "ProcessorRouter"
	KindDestination       HandlerKind = "Destination"
	KindDestinationRouter HandlerKind = "DestinationRouter"
)

// GenericFunc runs for its side effects only.
type GenericFunc func(ctx context.Context, mc *MessageContext) error

// FilterFunc short-circuits the pipeline when it returns false: the run
// succeeds with the current message and no destinations are invoked.
type FilterFunc func(ctx context.Context, mc *MessageContext) (bool, error)

// TransformFunc replaces the context's content with its return value.
type TransformFunc func(ctx context.Context, mc *MessageContext) (interface{}, error)

// ProcessorRouterFunc selects a processor to execute in place. A nil
// processor short-circuits like a filter returning false.
type ProcessorRouterFunc func(ctx context.Context, mc *MessageContext) (*Processor, error)

// DestinationFunc delivers the message somewhere and returns its result.
type DestinationFunc func(ctx context.Context, mc *MessageContext) (interface{}, error)

// DestinationRouterFunc selects the destination set for one run. A nil slice
// yields a successful run with an empty result set.
type DestinationRouterFunc func(ctx context.Context, mc *MessageContext) ([]*Destination, error)

// Processor is one step of a channel's source flow, or a destination
// preprocessor. Exactly one of the function fields is set, per the kind.
type Processor struct {
	name      string
	kind      HandlerKind
	generic   GenericFunc
	filter    FilterFunc
	transform TransformFunc
	route     ProcessorRouterFunc
}

// NewProcessor builds a generic side-effect processor.
func NewProcessor(name string, fn GenericFunc) *Processor {
	return &Processor{name: name, kind: KindGenericProcessor, generic: fn}
}

// NewFilter builds a filter processor.
func NewFilter(name string, fn FilterFunc) *Processor {
	return &Processor{name: name, kind: KindFilter, filter: fn}
}

// NewTransformer builds a transforming processor.
func NewTransformer(name string, fn TransformFunc) *Processor {
	return &Processor{name: name, kind: KindTransformer, transform: fn}
}

// NewProcessorRouter builds a routing processor.
func NewProcessorRouter(name string, fn ProcessorRouterFunc) *Processor {
	return &Processor{name: name, kind: KindProcessorRouter, route: fn}
}

// Name returns the processor's registered name.
func (p *Processor) Name() string { return p.name }

// Kind returns the processor's kind tag.
func (p *Processor) Kind() HandlerKind { return p.kind }

func (p *Processor) valid() bool {
	switch p.kind {
	case KindGenericProcessor:
		return p.generic != nil
	case KindFilter:
		return p.filter != nil
	case KindTransformer:
		return p.transform != nil
	case KindProcessorRouter:
		return p.route != nil
	default:
		return false
	}
}

// Destination is a terminal handler, executed in parallel with its peers,
// optionally gated by its own preprocessors.
type Destination struct {
	name          string
	preprocessors []*Processor
	deliver       DestinationFunc
}

// NewDestination builds a destination. Preprocessors run sequentially before
// delivery; any of them may short-circuit, which skips this destination only.
func NewDestination(name string, fn DestinationFunc, preprocessors ...*Processor) *Destination {
	return &Destination{name: name, preprocessors: preprocessors, deliver: fn}
}

// Name returns the destination's registered name.
func (d *Destination) Name() string { return d.name }

// DestinationRouter selects the destinations for one run.
type DestinationRouter struct {
	name  string
	route DestinationRouterFunc
}

// NewDestinationRouter builds a destination router.
func NewDestinationRouter(name string, fn DestinationRouterFunc) *DestinationRouter {
	return &DestinationRouter{name: name, route: fn}
}

// Name returns the router's registered name.
func (r *DestinationRouter) Name() string { return r.name }
