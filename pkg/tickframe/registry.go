package tickframe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"episodelog/pkg/frame"
	"episodelog/pkg/value"
)

// Composer fills a frame's payload and terminal fields when its tick ends.
type Composer interface {
	Compose(ctx context.Context, f *frame.Frame, s Subject, tick int64) error
}

// ComposerFunc adapts a function to Composer.
type ComposerFunc func(ctx context.Context, f *frame.Frame, s Subject, tick int64) error

func (fn ComposerFunc) Compose(ctx context.Context, f *frame.Frame, s Subject, tick int64) error {
	return fn(ctx, f, s, tick)
}

// EventHandler reacts to an event right after it is recorded on a frame. It
// runs on the caller's goroutine and must not block.
type EventHandler interface {
	HandleEvent(ctx context.Context, f *frame.Frame, s Subject, eventType string, data value.Map) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, f *frame.Frame, s Subject, eventType string, data value.Map) error

func (fn EventHandlerFunc) HandleEvent(ctx context.Context, f *frame.Frame, s Subject, eventType string, data value.Map) error {
	return fn(ctx, f, s, eventType, data)
}

// PanicError wraps a value recovered from a composer or handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tickframe: panic: %v", e.Value)
}

// registry holds composers and per-type handlers in registration order.
type registry struct {
	mu        sync.RWMutex
	composers []Composer
	handlers  map[string][]EventHandler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]EventHandler)}
}

func (r *registry) addComposer(c Composer) {
	r.mu.Lock()
	r.composers = append(r.composers, c)
	r.mu.Unlock()
}

func (r *registry) addHandler(eventType string, h EventHandler) {
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
	r.mu.Unlock()
}

// snapshots are copied so registration during a tick never races iteration.

func (r *registry) composerList() []Composer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Composer, len(r.composers))
	copy(out, r.composers)
	return out
}

func (r *registry) handlerList(eventType string) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.handlers[eventType]
	out := make([]EventHandler, len(list))
	copy(out, list)
	return out
}

func callComposer(ctx context.Context, c Composer, f *frame.Frame, s Subject, tick int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c.Compose(ctx, f, s, tick)
}

func callHandler(ctx context.Context, h EventHandler, f *frame.Frame, s Subject, eventType string, data value.Map) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.HandleEvent(ctx, f, s, eventType, data)
}
