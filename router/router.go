// Package router provides type-keyed, in-process message delivery, per spec
// §4.A. Two flavors are offered: Mutable, for test harnesses and bootstrap,
// and Immutable, which validates exhaustiveness against a declared sealed
// hierarchy before it will build.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Handler processes one message of a specific type. The concrete message
// value is passed as `any`; callers register one Handler per message type, so
// a type assertion inside the handler is always safe.
type Handler func(ctx context.Context, msg any)

// Router is the shared dispatch contract both flavors satisfy.
type Router interface {
	// Route dispatches msg synchronously to every handler registered for its
	// concrete type, in registration order. A message type with no
	// registered handler is logged and dropped.
	Route(ctx context.Context, msg any)
	// RouteAsync schedules delivery of supplier's result on the shared
	// executor; supplier is evaluated on that goroutine, not the caller's.
	RouteAsync(ctx context.Context, supplier func() any)
}

// Mutable is a router whose handler table can be extended at runtime.
// Safe for concurrent Route and AddRoute calls.
type Mutable struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[reflect.Type][]Handler
}

// NewMutable creates an empty Mutable router.
func NewMutable(log *slog.Logger) *Mutable {
	if log == nil {
		log = slog.Default()
	}
	return &Mutable{
		log:      log,
		handlers: make(map[reflect.Type][]Handler),
	}
}

// AddRoute registers handler for every message whose concrete type matches
// that of sample. Handlers for the same type run in registration order.
func (m *Mutable) AddRoute(sample any, handler Handler) {
	t := reflect.TypeOf(sample)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = append(m.handlers[t], handler)
}

func (m *Mutable) Route(ctx context.Context, msg any) {
	m.mu.RLock()
	hs := m.handlers[reflect.TypeOf(msg)]
	m.mu.RUnlock()
	dispatch(ctx, m.log, msg, hs)
}

func (m *Mutable) RouteAsync(ctx context.Context, supplier func() any) {
	go func() {
		msg := supplier()
		m.Route(ctx, msg)
	}()
}

// Immutable is a router built once from a frozen configuration; lookups are
// lock-free reads of a plain map.
type Immutable struct {
	log      *slog.Logger
	handlers map[reflect.Type][]Handler
}

// Builder accumulates handler registrations and a declared variant set before
// Build checks exhaustiveness and freezes the table.
type Builder struct {
	log      *slog.Logger
	variants map[reflect.Type]bool
	handlers map[reflect.Type][]Handler
}

// NewBuilder starts an Immutable router build.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		log:      log,
		variants: make(map[reflect.Type]bool),
		handlers: make(map[reflect.Type][]Handler),
	}
}

// Variants declares the full, closed set of message types that must each
// receive at least one handler before Build succeeds. Go has no sealed union
// the compiler can check for us, so this declared set stands in for it:
// Build diffs it against the registered handler set and fails by name for
// every variant left uncovered (spec §8 property 7 / scenario S6).
func (b *Builder) Variants(samples ...any) *Builder {
	for _, s := range samples {
		b.variants[reflect.TypeOf(s)] = true
	}
	return b
}

// AddRoute registers handler for messages matching sample's concrete type.
func (b *Builder) AddRoute(sample any, handler Handler) *Builder {
	t := reflect.TypeOf(sample)
	b.handlers[t] = append(b.handlers[t], handler)
	return b
}

// Build validates exhaustiveness against the declared Variants and, on
// success, returns a frozen Immutable router.
func (b *Builder) Build() (*Immutable, error) {
	var missing []string
	for t := range b.variants {
		if len(b.handlers[t]) == 0 {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("router: missing handler(s) for variant(s): %v", missing)
	}

	frozen := make(map[reflect.Type][]Handler, len(b.handlers))
	for t, hs := range b.handlers {
		cp := make([]Handler, len(hs))
		copy(cp, hs)
		frozen[t] = cp
	}
	return &Immutable{log: b.log, handlers: frozen}, nil
}

func (r *Immutable) Route(ctx context.Context, msg any) {
	dispatch(ctx, r.log, msg, r.handlers[reflect.TypeOf(msg)])
}

func (r *Immutable) RouteAsync(ctx context.Context, supplier func() any) {
	go func() {
		msg := supplier()
		r.Route(ctx, msg)
	}()
}

func dispatch(ctx context.Context, log *slog.Logger, msg any, handlers []Handler) {
	if len(handlers) == 0 {
		log.Warn("router: no handler registered for message type", "type", reflect.TypeOf(msg))
		return
	}
	for _, h := range handlers {
		callHandler(ctx, log, msg, h)
	}
}

// callHandler invokes h and recovers a panic so that one misbehaving handler
// never prevents the remaining handlers for the same message from running.
func callHandler(ctx context.Context, log *slog.Logger, msg any, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("router: handler panicked", "type", reflect.TypeOf(msg), "panic", r)
		}
	}()
	h(ctx, msg)
}
