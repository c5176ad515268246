// Package ledger – store.go declares the narrow capability interface the
// ledger needs from the external versioned object store. Only the calls the
// ledger actually makes are present; concrete stores are injected at
// construction time.
package ledger

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetByIdentity when no object exists under the
// given identity.
var ErrNotFound = errors.New("ledger: object not found")

// Store is the versioned, identity-addressed object store the ledger
// persists into. Objects are immutable per revision: writes always produce
// a new revision under the object's stable identity.
type Store interface {
	// CreateOrGetByIdentity stores obj if nothing exists under its identity
	// and returns the stored copy; if an object already exists, that object
	// is returned unchanged. created reports which case occurred.
	CreateOrGetByIdentity(ctx context.Context, obj Object) (stored Object, created bool, err error)

	// GetByIdentity returns the latest revision of the object with the
	// given identity, or ErrNotFound.
	GetByIdentity(ctx context.Context, id string) (Object, error)

	// PutNewRevision persists obj as a new immutable revision under its
	// existing identity and returns the assigned revision ID.
	PutNewRevision(ctx context.Context, obj Object) (revision string, err error)

	// Iterate streams the latest revision of every object of the given type
	// that belongs to conversationID. An empty conversationID streams all
	// conversations. The channel is closed when iteration completes or ctx
	// is cancelled.
	Iterate(ctx context.Context, conversationID string, typ ObjectType) (<-chan Object, error)
}
