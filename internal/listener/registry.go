package listener

import (
	"context"
	"database/sql"
	"fmt"
)

// Handler processes one message under the listener's transaction. The
// supplied *sql.Tx is enrolled in the same transaction that will commit
// the row's processed_at/abandoned_at update, so business-table writes
// made through it are atomic with the message's state transition.
type Handler interface {
	Handle(ctx context.Context, msg *Message, tx *sql.Tx) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message, tx *sql.Tx) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message, tx *sql.Tx) error {
	return f(ctx, msg, tx)
}

// ErrorHandler is the optional hook invoked by the C6 error orchestrator
// after a handler fails.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, msg *Message, tx *sql.Tx, willRetry bool) error
}

// ErrorHandlerFunc adapts a plain function to the ErrorHandler interface.
type ErrorHandlerFunc func(ctx context.Context, err error, msg *Message, tx *sql.Tx, willRetry bool) error

func (f ErrorHandlerFunc) HandleError(ctx context.Context, err error, msg *Message, tx *sql.Tx, willRetry bool) error {
	return f(ctx, err, msg, tx, willRetry)
}

// HandlerRegistration pairs a handler with the (aggregateType, messageType)
// it is registered for, plus an optional error hook.
type HandlerRegistration struct {
	AggregateType string
	MessageType   string
	Handler       Handler
	ErrorHandler  ErrorHandler
}

type registeredHandler struct {
	handler      Handler
	errorHandler ErrorHandler
}

// Registry maps (aggregateType, messageType) to a handler, or — in
// catch-all mode — routes every message to a single handler regardless of
// its type. Construction is validated: an empty registration list fails
// with CodeNoHandlerRegistered; two registrations sharing a key fail with
// CodeConflictingHandlers.
type Registry struct {
	catchAll *registeredHandler
	byKey    map[HandlerKey]*registeredHandler
}

// NewRegistry builds a keyed registry from a non-empty list of
// registrations, rejecting duplicate (aggregateType, messageType) pairs.
func NewRegistry(registrations []HandlerRegistration) (*Registry, error) {
	if len(registrations) == 0 {
		return nil, newError(CodeNoHandlerRegistered, "", fmt.Errorf("no message handlers registered"))
	}

	byKey := make(map[HandlerKey]*registeredHandler, len(registrations))
	for _, reg := range registrations {
		key := HandlerKey{AggregateType: reg.AggregateType, MessageType: reg.MessageType}
		if _, exists := byKey[key]; exists {
			return nil, newError(CodeConflictingHandlers, "", fmt.Errorf(
				"duplicate handler for aggregateType=%q messageType=%q", key.AggregateType, key.MessageType))
		}
		byKey[key] = &registeredHandler{handler: reg.Handler, errorHandler: reg.ErrorHandler}
	}

	return &Registry{byKey: byKey}, nil
}

// NewCatchAllRegistry builds a registry that routes every message to a
// single handler, independent of aggregateType/messageType.
func NewCatchAllRegistry(handler Handler, errorHandler ErrorHandler) (*Registry, error) {
	if handler == nil {
		return nil, newError(CodeNoHandlerRegistered, "", fmt.Errorf("no message handler registered"))
	}
	return &Registry{catchAll: &registeredHandler{handler: handler, errorHandler: errorHandler}}, nil
}

// Select returns the handler for a message, or nil if none matches — the
// processor treats a nil result as a no-op completion (spec §4.5).
func (r *Registry) Select(msg *Message) (Handler, ErrorHandler) {
	if r.catchAll != nil {
		return r.catchAll.handler, r.catchAll.errorHandler
	}
	rh, ok := r.byKey[keyOf(msg)]
	if !ok {
		return nil, nil
	}
	return rh.handler, rh.errorHandler
}
