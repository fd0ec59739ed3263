// Package inbound defines the inbound port interfaces the HTTP and
// WebSocket adapters call into.
package inbound

import (
	"context"

	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/event"
	"github.com/relaygate/relaygate/internal/domain/router"
)

// Dispatcher routes one event and classifies its failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.RequestEvent) (*router.HandlerResponse, *apperr.Error)
}

// ConnectionLifecycle drives the WebSocket connection state machine.
// Frames of one connection must be passed to HandleFrame sequentially.
type ConnectionLifecycle interface {
	Connect(ctx context.Context, connectionID string)
	HandleFrame(ctx context.Context, connectionID string, frame []byte)
	Disconnect(ctx context.Context, connectionID string)
}

// BroadcastRequest targets either a channel or a resource.
type BroadcastRequest struct {
	Channel      string `json:"channel"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Event        string `json:"event" validate:"required"`
	Data         any    `json:"data"`
}

// Broadcaster fans a payload out to the connections of a channel or resource.
type Broadcaster interface {
	Broadcast(ctx context.Context, req BroadcastRequest) (delivered int, err error)
}
