package relay

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc is the invocation interface every handler implements. It
// receives the decoded payload (a Fields mapping, or a typed value when the
// designation declares a message type) and the invocation context. Fixed
// kwargs are bound before the first message arrives, never per message.
type HandlerFunc func(ctx context.Context, payload any, inv *Invocation) error

// Factory builds a handler from the kwargs of a code designation. Factories
// run once, at resolution time, and should reject kwargs they cannot accept
// so misconfiguration surfaces before any task starts.
type Factory func(kwargs map[string]any) (HandlerFunc, error)

// MessageFactory produces a fresh value for a registered message type. The
// decoder fills one per message; the value must be a pointer.
type MessageFactory func() any

// Registry maps symbolic (module, name) keys to handler factories and
// message types. It is the startup-time registration table that code
// designations resolve against: populate it before launch, resolve eagerly,
// and nothing on the hot path ever looks a name up again.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Factory
	messages map[string]MessageFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Factory),
		messages: make(map[string]MessageFactory),
	}
}

// RegisterHandler registers a handler factory under module.name.
// Registering the same key twice is an error.
func (r *Registry) RegisterHandler(module, name string, factory Factory) error {
	if module == "" || name == "" || factory == nil {
		return fmt.Errorf("%w: handler registration needs module, name, and factory", ErrResolution)
	}
	key := module + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("%w: handler %q already registered", ErrResolution, key)
	}
	r.handlers[key] = factory
	return nil
}

// RegisterMessage registers a message type factory under module.name.
func (r *Registry) RegisterMessage(module, name string, factory MessageFactory) error {
	if module == "" || name == "" || factory == nil {
		return fmt.Errorf("%w: message registration needs module, name, and factory", ErrResolution)
	}
	key := module + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.messages[key]; exists {
		return fmt.Errorf("%w: message type %q already registered", ErrResolution, key)
	}
	r.messages[key] = factory
	return nil
}

// Handlers returns the registered handler keys, for diagnostics.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}

// Resolve binds a code designation to its registered handler, fixing the
// designation's kwargs and decoder. Fails when the designation names no
// registered handler, when the factory rejects the kwargs, or when the
// message type is unknown.
func (r *Registry) Resolve(d *CodeDesignation) (*BoundHandler, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: null designation", ErrResolution)
	}

	r.mu.RLock()
	factory, ok := r.handlers[d.Key()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered as %q", ErrResolution, d.Key())
	}

	fn, err := factory(d.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("%w: %q rejected kwargs: %w", ErrResolution, d.Key(), err)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: factory for %q returned no handler", ErrResolution, d.Key())
	}

	decoder, err := r.ResolveDecoder(d.MessageType)
	if err != nil {
		return nil, err
	}

	return &BoundHandler{
		fn:        fn,
		decoder:   decoder,
		trackerID: d.TrackerID(),
		decoderID: decoderID(d.MessageType),
	}, nil
}

// ResolveDecoder returns the decoder for a message designation. A nil
// designation yields the identity decoder, which passes the generic field
// mapping through unchanged.
func (r *Registry) ResolveDecoder(d *MessageDesignation) (Decoder, error) {
	if d == nil {
		return identityDecoder, nil
	}

	r.mu.RLock()
	factory, ok := r.messages[d.Key()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no message type registered as %q", ErrResolution, d.Key())
	}
	return typedDecoder(d.Key(), factory), nil
}

// decoderID keys decode-once sharing: every designation with the same
// message type (or none) shares one decode per message.
func decoderID(d *MessageDesignation) string {
	if d == nil {
		return ""
	}
	return d.Key()
}

// BoundHandler is a handler resolved from a code designation with its kwargs
// already bound. Invoke accepts exactly the decoded payload and the
// invocation context.
type BoundHandler struct {
	fn        HandlerFunc
	decoder   Decoder
	trackerID string
	decoderID string
}

// TrackerID identifies the designation this handler was resolved from.
func (b *BoundHandler) TrackerID() string {
	return b.trackerID
}

// Invoke runs the handler, converting panics into ErrHandlerInvocation so a
// faulty handler cannot take down its listener.
func (b *BoundHandler) Invoke(ctx context.Context, payload any, inv *Invocation) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrHandlerInvocation, b.trackerID, rec)
		}
	}()

	if callErr := b.fn(ctx, payload, inv); callErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandlerInvocation, b.trackerID, callErr)
	}
	return nil
}
