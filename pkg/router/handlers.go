package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// HandlerID identifies a registered handler.
type HandlerID uint64

// HandlerFunc processes one message of the type it was registered for.
type HandlerFunc func(ctx context.Context, msg RoutedMessage, rctx RoutingContext) (any, error)

type handlerEntry struct {
	id       HandlerID
	priority int
	fn       HandlerFunc
}

// AddHandler registers fn for messageType. Handlers with a higher priority
// run first; equal priorities run in registration order.
func (r *Router) AddHandler(messageType string, fn HandlerFunc, priority int) HandlerID {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.nextHandler++
	id := r.nextHandler

	entries := append(r.handlers[messageType], handlerEntry{id: id, priority: priority, fn: fn})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].priority > entries[j].priority })
	r.handlers[messageType] = entries
	return id
}

// RemoveHandler unregisters a handler. It returns false if id is not
// registered for messageType.
func (r *Router) RemoveHandler(messageType string, id HandlerID) bool {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	entries := r.handlers[messageType]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		rest := make([]handlerEntry, 0, len(entries)-1)
		rest = append(rest, entries[:i]...)
		rest = append(rest, entries[i+1:]...)
		if len(rest) == 0 {
			delete(r.handlers, messageType)
		} else {
			r.handlers[messageType] = rest
		}
		return true
	}
	return false
}

// ExecuteHandlers runs every handler for messageType and returns their
// results in execution order. A handler that fails or panics contributes
// nil and does not stop the others. Unknown types yield an empty slice.
func (r *Router) ExecuteHandlers(ctx context.Context, messageType string, msg RoutedMessage, rctx RoutingContext) []any {
	r.handlersMu.RLock()
	entries := append([]handlerEntry(nil), r.handlers[messageType]...)
	r.handlersMu.RUnlock()

	results := make([]any, 0, len(entries))
	for _, e := range entries {
		out, err := runHandler(ctx, e, msg, rctx)
		if err != nil {
			slog.Warn("Message handler failed",
				"type", messageType, "handler_id", e.id, "user_id", rctx.UserID, "error", err)
			results = append(results, nil)
			continue
		}
		results = append(results, out)
	}
	return results
}

func runHandler(ctx context.Context, e handlerEntry, msg RoutedMessage, rctx RoutingContext) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return e.fn(ctx, msg, rctx)
}
