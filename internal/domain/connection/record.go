// Package connection defines WebSocket connection records, their store and
// the connection state machine.
package connection

import (
	"time"

	"github.com/relaygate/relaygate/internal/domain/share"
)

// DefaultRetention is how long a record survives after its last save.
const DefaultRetention = 24 * time.Hour

// Record is the persisted state of one WebSocket connection.
//
// Authenticated implies Shareable != nil. NewRecord is the only constructor
// and derives Authenticated from the context it is given.
type Record struct {
	ConnectionID  string
	Authenticated bool
	Shareable     *share.Context
	SessionID     string
	ConnectedAt   time.Time
	ExpiresAt     time.Time
}

// NewRecord builds a record saved at now with the given retention.
// A nil sc yields an unauthenticated record.
func NewRecord(id string, sc *share.Context, sessionID string, now time.Time, retention time.Duration) *Record {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Record{
		ConnectionID:  id,
		Authenticated: sc != nil,
		Shareable:     sc.Clone(),
		SessionID:     sessionID,
		ConnectedAt:   now,
		ExpiresAt:     now.Add(retention),
	}
}

// IsExpired reports whether the record is stale at now.
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Trusted returns the shareable context only when the record is
// authenticated. Unauthenticated records never yield a context.
func (r *Record) Trusted() *share.Context {
	if r == nil || !r.Authenticated || r.Shareable == nil {
		return nil
	}
	return r.Shareable
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Shareable = r.Shareable.Clone()
	return &cp
}

// InChannel reports whether the record is authenticated for channel.
func (r *Record) InChannel(channel string) bool {
	return r.Trusted().HasChannel(channel)
}

// ForResource reports whether the record is authenticated for the resource.
func (r *Record) ForResource(typ, id string) bool {
	sc := r.Trusted()
	return sc != nil && sc.Type == typ && sc.ID == id
}
