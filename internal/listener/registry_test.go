package listener

import (
	"context"
	"database/sql"
	"testing"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message, tx *sql.Tx) error { return nil })
}

func TestNewRegistry_RejectsEmpty(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Fatalf("NewRegistry(nil) error = nil, want CodeNoHandlerRegistered error")
	} else if e, ok := err.(*Error); !ok || e.Code != CodeNoHandlerRegistered {
		t.Fatalf("NewRegistry(nil) error = %v, want CodeNoHandlerRegistered", err)
	}
}

func TestNewRegistry_RejectsDuplicateKey(t *testing.T) {
	regs := []HandlerRegistration{
		{AggregateType: "order", MessageType: "created", Handler: noopHandler()},
		{AggregateType: "order", MessageType: "created", Handler: noopHandler()},
	}
	_, err := NewRegistry(regs)
	if err == nil {
		t.Fatalf("NewRegistry with duplicate key error = nil, want CodeConflictingHandlers error")
	}
	if e, ok := err.(*Error); !ok || e.Code != CodeConflictingHandlers {
		t.Fatalf("NewRegistry with duplicate key error = %v, want CodeConflictingHandlers", err)
	}
}

func TestRegistry_SelectByKey(t *testing.T) {
	h := noopHandler()
	reg, err := NewRegistry([]HandlerRegistration{
		{AggregateType: "order", MessageType: "created", Handler: h},
	})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	got, _ := reg.Select(&Message{AggregateType: "order", MessageType: "created"})
	if got == nil {
		t.Fatalf("Select() = nil, want registered handler")
	}

	got, _ = reg.Select(&Message{AggregateType: "order", MessageType: "cancelled"})
	if got != nil {
		t.Fatalf("Select() for unregistered key = non-nil, want nil")
	}
}

func TestRegistry_CatchAll(t *testing.T) {
	h := noopHandler()
	reg, err := NewCatchAllRegistry(h, nil)
	if err != nil {
		t.Fatalf("NewCatchAllRegistry returned error: %v", err)
	}

	got, _ := reg.Select(&Message{AggregateType: "anything", MessageType: "whatever"})
	if got == nil {
		t.Fatalf("Select() under catch-all registry = nil, want handler")
	}
}

func TestNewCatchAllRegistry_RejectsNilHandler(t *testing.T) {
	if _, err := NewCatchAllRegistry(nil, nil); err == nil {
		t.Fatalf("NewCatchAllRegistry(nil, nil) error = nil, want error")
	}
}
