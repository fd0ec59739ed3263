package router

import (
	"context"

	"github.com/relaygate/relaygate/internal/domain/event"
)

// Middleware inspects or enriches an event before the handler sees it.
// Returning an error short-circuits the chain.
type Middleware func(ctx context.Context, ev *event.RequestEvent) (*event.RequestEvent, error)

// Chain wraps h so mws run in order, each receiving the event returned by
// the previous one.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	chain := append([]Middleware(nil), mws...)
	return func(ctx context.Context, ev *event.RequestEvent) (*HandlerResponse, error) {
		var err error
		for _, mw := range chain {
			ev, err = mw(ctx, ev)
			if err != nil {
				return nil, err
			}
		}
		return h(ctx, ev)
	}
}
