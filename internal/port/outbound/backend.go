// Package outbound defines the outbound port interfaces: the backend API,
// frame delivery to live connections and failure notifications.
package outbound

import (
	"context"

	"github.com/relaygate/relaygate/internal/domain/share"
)

// BackendClient is the outbound port for the backend API.
//
// Errors reaching callers are already coded (see apperr.FromUpstream) or
// are timeouts; call sites return them unchanged.
type BackendClient interface {
	// ExchangeShareableToken validates a shareable token against the system
	// of record. An invalid or expired token yields (nil, nil).
	ExchangeShareableToken(ctx context.Context, shareableToken string) (*share.Context, error)

	SendMessage(ctx context.Context, sessionID string, body map[string]any, shareableToken string) (any, error)
	GetHistory(ctx context.Context, sessionID string, params map[string]any, shareableToken string) (any, error)
	GetUploadLink(ctx context.Context, body map[string]any, shareableToken string) (any, error)
	ConfirmUpload(ctx context.Context, uploadID string, body map[string]any, shareableToken string) (any, error)
}
