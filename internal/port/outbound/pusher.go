package outbound

import (
	"context"
	"errors"
)

// ErrConnectionGone is returned when pushing to a connection this process
// no longer holds.
var ErrConnectionGone = errors.New("connection gone")

// ConnectionPusher delivers frames to live WebSocket connections held by
// this process.
type ConnectionPusher interface {
	// Push writes one text frame to the connection.
	Push(ctx context.Context, connectionID string, payload []byte) error

	// Terminate closes the connection with a close frame carrying reason.
	Terminate(connectionID string, reason string) error

	// Release forgets the connection handle. Idempotent.
	Release(connectionID string)
}
