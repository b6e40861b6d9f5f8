package schema

import (
	"context"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

// Backend validates insert and update payloads before delegating to the
// wrapped backend. Violations come back as remote rejections and the
// wrapped backend is not called.
type Backend struct {
	remote.Backend
	v *Validator
}

// Wrap returns b guarded by v.
func (v *Validator) Wrap(b remote.Backend) *Backend {
	return &Backend{Backend: b, v: v}
}

// Insert checks the full payload, then inserts.
func (b *Backend) Insert(ctx context.Context, resource string, payload record.Record) (record.Record, error) {
	if err := b.v.Check(resource, payload, false); err != nil {
		return nil, remote.Rejected(resource, "insert", err)
	}
	return b.Backend.Insert(ctx, resource, payload)
}

// Update checks the changed fields, then updates.
func (b *Backend) Update(ctx context.Context, resource string, id record.ID, payload record.Record) (record.Record, error) {
	if err := b.v.Check(resource, payload, true); err != nil {
		return nil, remote.Rejected(resource, "update", err)
	}
	return b.Backend.Update(ctx, resource, id, payload)
}
