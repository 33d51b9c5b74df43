package immutabledb

import (
	"fmt"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/google/uuid"
)

// Event is a structured trace event emitted on every nontrivial state
// transition (§4.1-4.4, §6). Every concrete event type below implements
// Event.
type Event interface {
	// Kind is a short, stable label ("DBOpened", "Append", ...) used for
	// filtering and for String().
	Kind() string
	String() string
}

// Tracer receives structured events from a DB. Implementations must be safe
// for concurrent use; a DB calls Trace from whichever goroutine drives the
// triggering operation.
type Tracer interface {
	Trace(session uuid.UUID, event Event)
}

// NopTracer discards every event.
type NopTracer struct{}

func (NopTracer) Trace(uuid.UUID, Event) {}

// SliceTracer collects events in order, for tests.
type SliceTracer struct {
	Events []TracedEvent
}

// TracedEvent pairs an Event with the session UUID that produced it.
type TracedEvent struct {
	Session uuid.UUID
	Event   Event
}

func (t *SliceTracer) Trace(session uuid.UUID, event Event) {
	t.Events = append(t.Events, TracedEvent{Session: session, Event: event})
}

// DBOpened is emitted once Open's validation walk completes successfully.
type DBOpened struct {
	Tip chain.Tip
}

func (DBOpened) Kind() string   { return "DBOpened" }
func (e DBOpened) String() string { return fmt.Sprintf("DBOpened tip=%s", e.Tip) }

// DBClosed is emitted when Close releases the open state.
type DBClosed struct{}

func (DBClosed) Kind() string   { return "DBClosed" }
func (DBClosed) String() string { return "DBClosed" }

// ValidatingEpoch is emitted once per epoch visited during Open's
// validation walk.
type ValidatingEpoch struct {
	Epoch chain.EpochNo
}

func (ValidatingEpoch) Kind() string     { return "ValidatingEpoch" }
func (e ValidatingEpoch) String() string { return fmt.Sprintf("ValidatingEpoch epoch=%d", e.Epoch) }

// DeletingAfter is emitted at the start of DeleteAfter.
type DeletingAfter struct {
	NewTip chain.Tip
}

func (DeletingAfter) Kind() string     { return "DeletingAfter" }
func (e DeletingAfter) String() string { return fmt.Sprintf("DeletingAfter newTip=%s", e.NewTip) }

// CacheEvict is emitted when the index cache drops an epoch's entry.
type CacheEvict struct {
	Epoch chain.EpochNo
}

func (CacheEvict) Kind() string     { return "CacheEvict" }
func (e CacheEvict) String() string { return fmt.Sprintf("CacheEvict epoch=%d", e.Epoch) }

// Append is emitted on every successful AppendBlock/AppendEBB.
type Append struct {
	Tip chain.Tip
}

func (Append) Kind() string   { return "Append" }
func (e Append) String() string { return fmt.Sprintf("Append tip=%s", e.Tip) }

// UserError is emitted whenever a user error (§7) is about to be returned
// to the caller.
type UserError struct {
	Err error
}

func (UserError) Kind() string     { return "UserError" }
func (e UserError) String() string { return fmt.Sprintf("UserError err=%v", e.Err) }

// UnexpectedError is emitted whenever an unexpected error (§7) closes the
// database.
type UnexpectedError struct {
	Err error
}

func (UnexpectedError) Kind() string     { return "UnexpectedError" }
func (e UnexpectedError) String() string { return fmt.Sprintf("UnexpectedError err=%v", e.Err) }
