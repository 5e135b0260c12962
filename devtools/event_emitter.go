package devtools

import (
	"context"
	"sync"
)

// Ensure BaseEventEmitter implements the EventEmitter interface.
var _ EventEmitter = &BaseEventEmitter{}

// Event as emitted by an EventEmitter.
type Event struct {
	typ  string
	data interface{}
}

// Type returns the protocol method name of the event.
func (e Event) Type() string { return e.typ }

// Data returns the decoded event payload.
func (e Event) Data() interface{} { return e.data }

type eventHandler struct {
	ctx context.Context
	ch  chan Event
}

// EventEmitter that all event emitters need to implement.
type EventEmitter interface {
	emit(event string, data interface{})
	on(ctx context.Context, events []string, ch chan Event)
	onAll(ctx context.Context, ch chan Event)
}

// BaseEventEmitter emits events to registered handlers. Handlers are bound to
// a context; a cancelled handler is pruned on the next emit touching it.
type BaseEventEmitter struct {
	mu          sync.Mutex
	handlers    map[string][]eventHandler
	handlersAll []eventHandler
}

// NewBaseEventEmitter creates a new instance of a base event emitter.
func NewBaseEventEmitter() BaseEventEmitter {
	return BaseEventEmitter{handlers: make(map[string][]eventHandler)}
}

func (e *BaseEventEmitter) emit(event string, data interface{}) {
	e.mu.Lock()
	targets := make([]eventHandler, 0, len(e.handlersAll))
	live := e.handlers[event][:0]
	for _, h := range e.handlers[event] {
		if h.ctx.Err() != nil {
			continue
		}
		live = append(live, h)
		targets = append(targets, h)
	}
	e.handlers[event] = live
	liveAll := e.handlersAll[:0]
	for _, h := range e.handlersAll {
		if h.ctx.Err() != nil {
			continue
		}
		liveAll = append(liveAll, h)
		targets = append(targets, h)
	}
	e.handlersAll = liveAll
	e.mu.Unlock()

	for _, h := range targets {
		select {
		case h.ch <- Event{typ: event, data: data}:
		case <-h.ctx.Done():
		}
	}
}

// on registers a handler for the named events. The registration lasts until
// ctx is cancelled; the handler must keep draining ch until then.
func (e *BaseEventEmitter) on(ctx context.Context, events []string, ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, event := range events {
		e.handlers[event] = append(e.handlers[event], eventHandler{ctx: ctx, ch: ch})
	}
}

// onAll registers a handler for all events.
func (e *BaseEventEmitter) onAll(ctx context.Context, ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlersAll = append(e.handlersAll, eventHandler{ctx: ctx, ch: ch})
}
