package translator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
)

// RequestParser decodes a protocol payload into the neutral request.
type RequestParser func(modelName string, rawJSON []byte, stream bool) (*Request, error)

// StreamRenderer renders one neutral stream event as zero or more protocol
// frames. param carries renderer state across calls within a single stream
// and is initialized on first use.
type StreamRenderer func(ctx context.Context, modelName string, ev StreamEvent, param *any) []string

// NonStreamRenderer renders a complete upstream result as one protocol body.
type NonStreamRenderer func(ctx context.Context, modelName string, res *Result) string

// TokenCountRenderer renders a token count in the protocol's native shape.
type TokenCountRenderer func(ctx context.Context, count int64) string

// ErrorRenderer renders a structured error as the protocol's error envelope.
type ErrorRenderer func(err *apperr.Error) string

// ResponseRenderer bundles the outbound renderers for one protocol.
type ResponseRenderer struct {
	Stream     StreamRenderer
	NonStream  NonStreamRenderer
	TokenCount TokenCountRenderer
	Error      ErrorRenderer
}

// Registry maps each client protocol to its parser and renderers.
type Registry struct {
	mu        sync.RWMutex
	parsers   map[Format]RequestParser
	renderers map[Format]ResponseRenderer
}

// NewRegistry constructs an empty translator registry.
func NewRegistry() *Registry {
	return &Registry{
		parsers:   make(map[Format]RequestParser),
		renderers: make(map[Format]ResponseRenderer),
	}
}

// Register stores the parser and renderers for a protocol.
func (r *Registry) Register(f Format, parser RequestParser, renderer ResponseRenderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if parser != nil {
		r.parsers[f] = parser
	}
	r.renderers[f] = renderer
}

// Has reports whether a parser is registered for the protocol.
func (r *Registry) Has(f Format) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.parsers[f]
	return ok
}

// Formats lists the registered protocols in stable order.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	formats := make([]Format, 0, len(r.parsers))
	for f := range r.parsers {
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats
}

// Parse decodes a protocol payload into the neutral request.
func (r *Registry) Parse(f Format, modelName string, rawJSON []byte, stream bool) (*Request, error) {
	r.mu.RLock()
	parser, ok := r.parsers[f]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("no parser registered for format %q", f), nil)
	}
	return parser(modelName, rawJSON, stream)
}

// RenderStream renders one neutral stream event as protocol frames.
func (r *Registry) RenderStream(ctx context.Context, f Format, modelName string, ev StreamEvent, param *any) []string {
	r.mu.RLock()
	renderer, ok := r.renderers[f]
	r.mu.RUnlock()
	if !ok || renderer.Stream == nil {
		return nil
	}
	return renderer.Stream(ctx, modelName, ev, param)
}

// RenderNonStream renders a complete result as one protocol body.
func (r *Registry) RenderNonStream(ctx context.Context, f Format, modelName string, res *Result) string {
	r.mu.RLock()
	renderer, ok := r.renderers[f]
	r.mu.RUnlock()
	if !ok || renderer.NonStream == nil {
		return ""
	}
	return renderer.NonStream(ctx, modelName, res)
}

// RenderTokenCount renders a token count in the protocol's native shape.
func (r *Registry) RenderTokenCount(ctx context.Context, f Format, count int64) string {
	r.mu.RLock()
	renderer, ok := r.renderers[f]
	r.mu.RUnlock()
	if !ok || renderer.TokenCount == nil {
		return fmt.Sprintf(`{"tokens":%d}`, count)
	}
	return renderer.TokenCount(ctx, count)
}

// RenderError renders a structured error as the protocol's error envelope.
// Unregistered formats fall back to the bare structured shape.
func (r *Registry) RenderError(f Format, appErr *apperr.Error) string {
	r.mu.RLock()
	renderer, ok := r.renderers[f]
	r.mu.RUnlock()
	if !ok || renderer.Error == nil {
		return fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, appErr.Kind, appErr.Message)
	}
	return renderer.Error(appErr)
}

var defaultRegistry = NewRegistry()

// Default exposes the package-level registry for shared use.
func Default() *Registry {
	return defaultRegistry
}

// Register attaches a protocol to the default registry.
func Register(f Format, parser RequestParser, renderer ResponseRenderer) {
	defaultRegistry.Register(f, parser, renderer)
}

// Has inspects the default registry.
func Has(f Format) bool {
	return defaultRegistry.Has(f)
}

// Parse is a helper on the default registry.
func Parse(f Format, modelName string, rawJSON []byte, stream bool) (*Request, error) {
	return defaultRegistry.Parse(f, modelName, rawJSON, stream)
}

// RenderStream is a helper on the default registry.
func RenderStream(ctx context.Context, f Format, modelName string, ev StreamEvent, param *any) []string {
	return defaultRegistry.RenderStream(ctx, f, modelName, ev, param)
}

// RenderNonStream is a helper on the default registry.
func RenderNonStream(ctx context.Context, f Format, modelName string, res *Result) string {
	return defaultRegistry.RenderNonStream(ctx, f, modelName, res)
}

// RenderTokenCount is a helper on the default registry.
func RenderTokenCount(ctx context.Context, f Format, count int64) string {
	return defaultRegistry.RenderTokenCount(ctx, f, count)
}

// RenderError is a helper on the default registry.
func RenderError(f Format, appErr *apperr.Error) string {
	return defaultRegistry.RenderError(f, appErr)
}
