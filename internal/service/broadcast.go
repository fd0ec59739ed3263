package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/response"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/port/inbound"
	"github.com/relaygate/relaygate/internal/port/outbound"
)

// ErrBroadcastTarget is returned when a request names neither or both targets.
var ErrBroadcastTarget = apperr.BadRequest("Specify either channel or resourceType and resourceId").
	WithCode("INVALID_TARGET")

// BroadcastService pushes backend events to stored connections. Only
// connections held by this process receive the frame; records of other
// instances are skipped.
type BroadcastService struct {
	store   connection.Store
	pusher  outbound.ConnectionPusher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBroadcastService creates a BroadcastService.
func NewBroadcastService(store connection.Store, pusher outbound.ConnectionPusher, m *metrics.Metrics, logger *slog.Logger) *BroadcastService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BroadcastService{store: store, pusher: pusher, metrics: m, logger: logger}
}

// Broadcast routes req to BroadcastToChannel or BroadcastToResource.
func (b *BroadcastService) Broadcast(ctx context.Context, req inbound.BroadcastRequest) (int, error) {
	byChannel := req.Channel != ""
	byResource := req.ResourceType != "" && req.ResourceID != ""
	if byChannel == byResource {
		return 0, ErrBroadcastTarget
	}
	if req.Event == "" {
		return 0, apperr.MissingField("event")
	}
	if byChannel {
		return b.BroadcastToChannel(ctx, req.Channel, req.Event, req.Data)
	}
	return b.BroadcastToResource(ctx, req.ResourceType, req.ResourceID, req.Event, req.Data)
}

// BroadcastToChannel pushes to every authenticated connection granted channel.
func (b *BroadcastService) BroadcastToChannel(ctx context.Context, channel, name string, data any) (int, error) {
	recs, err := b.store.ListByChannel(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("list connections for channel %q: %w", channel, err)
	}
	return b.fanOut(ctx, recs, response.Broadcast{Channel: channel, Event: name, Data: data})
}

// BroadcastToResource pushes to every authenticated connection bound to the resource.
func (b *BroadcastService) BroadcastToResource(ctx context.Context, typ, id, name string, data any) (int, error) {
	recs, err := b.store.ListByResource(ctx, typ, id)
	if err != nil {
		return 0, fmt.Errorf("list connections for resource %s/%s: %w", typ, id, err)
	}
	return b.fanOut(ctx, recs, response.Broadcast{Resource: typ + "/" + id, Event: name, Data: data})
}

func (b *BroadcastService) fanOut(ctx context.Context, recs []*connection.Record, msg response.Broadcast) (int, error) {
	payload, err := json.Marshal(response.BroadcastFrame(msg))
	if err != nil {
		return 0, fmt.Errorf("encode broadcast frame: %w", err)
	}

	logger := ctxkey.Logger(ctx, b.logger)
	delivered := 0
	for _, rec := range recs {
		if err := b.pusher.Push(ctx, rec.ConnectionID, payload); err != nil {
			if !errors.Is(err, outbound.ErrConnectionGone) {
				b.metrics.DeliveryFailed()
				logger.Debug("broadcast frame not delivered", "connection_id", rec.ConnectionID, "error", err)
			}
			continue
		}
		b.metrics.Frame("out")
		delivered++
	}
	logger.Debug("broadcast sent", "event", msg.Event, "targets", len(recs), "delivered", delivered)
	return delivered, nil
}

var _ inbound.Broadcaster = (*BroadcastService)(nil)
