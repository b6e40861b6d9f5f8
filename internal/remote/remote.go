// Package remote defines the collaborator interface the sync core consumes
// to reach the remote backend, the change-feed event shape, and the
// transport error taxonomy.
//
// The physical transport is not part of the core. Implementations live in
// sub-packages: memremote (in-process, used by tests and the demo command)
// and httpremote (JSON over HTTP with a WebSocket change feed).
package remote

import (
	"context"

	"github.com/roach88/offsync/internal/record"
)

// Op is a mutation kind, shared by change-feed events and queued mutations.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the known kinds.
func (op Op) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Event is one committed write pushed by the backend's change feed.
// Record carries the new row for insert/update; Previous carries the old
// row for delete (and may be set for update).
type Event struct {
	Resource string        `json:"resource"`
	Op       Op            `json:"op"`
	Record   record.Record `json:"record,omitempty"`
	Previous record.Record `json:"previous,omitempty"`
}

// Handler receives change-feed events. It may be invoked from any
// goroutine.
type Handler func(Event)

// Backend is the remote service exposing query/insert/update/delete and a
// change-feed subscription per named resource.
type Backend interface {
	Query(ctx context.Context, resource string, q record.Query) (record.Snapshot, error)
	Insert(ctx context.Context, resource string, payload record.Record) (record.Record, error)
	Update(ctx context.Context, resource string, id record.ID, payload record.Record) (record.Record, error)
	Delete(ctx context.Context, resource string, id record.ID) error

	// Subscribe attaches handler to the resource's change feed. The
	// returned function releases the stream; calling it more than once is
	// allowed.
	Subscribe(ctx context.Context, resource string, handler Handler) (unsubscribe func(), err error)
}
