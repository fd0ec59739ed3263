package connection

import (
	"context"
	"errors"

	"github.com/relaygate/relaygate/internal/domain/share"
)

// Store persists connection records.
//
// Every operation is atomic for a single connection id. Implementations:
// memory (single process), redis (multi-instance), sqlite (durable single node).
type Store interface {
	// Save upserts the record for id. A nil sc writes an unauthenticated
	// record; a non-nil sc an authenticated one. Expiry is always refreshed
	// to now + retention; ConnectedAt of an existing record is kept.
	Save(ctx context.Context, id string, sc *share.Context, sessionID string) error

	// Get returns the record for id, or ErrConnectionNotFound if it is
	// absent or expired. Expired records are purged on read.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes the record for id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// ListByChannel returns live authenticated records whose context grants channel.
	ListByChannel(ctx context.Context, channel string) ([]*Record, error)

	// ListByResource returns live authenticated records bound to the resource.
	ListByResource(ctx context.Context, typ, id string) ([]*Record, error)
}

// Pinger is implemented by stores backed by an external service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrConnectionNotFound is returned when a record doesn't exist or is expired.
var ErrConnectionNotFound = errors.New("connection not found")
