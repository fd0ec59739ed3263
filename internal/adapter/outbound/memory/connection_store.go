package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/share"
)

// DefaultCleanupInterval is how often expired connection records are swept.
const DefaultCleanupInterval = time.Minute

// ConnectionStore implements connection.Store with an in-memory map.
// Safe for concurrent use. Records are only visible to this process, so it
// suits single-instance deployments.
type ConnectionStore struct {
	mu      sync.RWMutex
	records map[string]*connection.Record

	retention       time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewConnectionStore creates a store with the default retention and sweep interval.
func NewConnectionStore() *ConnectionStore {
	return NewConnectionStoreWithConfig(connection.DefaultRetention, DefaultCleanupInterval, slog.Default())
}

// NewConnectionStoreWithConfig creates a store with custom retention and sweep interval.
func NewConnectionStoreWithConfig(retention, cleanupInterval time.Duration, logger *slog.Logger) *ConnectionStore {
	if retention <= 0 {
		retention = connection.DefaultRetention
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionStore{
		records:         make(map[string]*connection.Record),
		retention:       retention,
		cleanupInterval: cleanupInterval,
		now:             time.Now,
		logger:          logger,
		stopChan:        make(chan struct{}),
	}
}

// StartCleanup starts the background sweep of expired records.
// It stops when ctx is cancelled or Stop is called.
func (s *ConnectionStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *ConnectionStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for id, rec := range s.records {
		if rec.IsExpired(now) {
			delete(s.records, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("cleaned expired connection records", "count", cleaned)
	}
}

// Stop stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *ConnectionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Save upserts the record for id.
func (s *ConnectionStore) Save(_ context.Context, id string, sc *share.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := connection.NewRecord(id, sc, sessionID, now, s.retention)
	if prev, ok := s.records[id]; ok && !prev.IsExpired(now) {
		rec.ConnectedAt = prev.ConnectedAt
	}
	s.records[id] = rec
	return nil
}

// Get returns a copy of the record for id. Expired records are removed.
func (s *ConnectionStore) Get(_ context.Context, id string) (*connection.Record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok {
		return nil, connection.ErrConnectionNotFound
	}

	if rec.IsExpired(s.now()) {
		s.mu.Lock()
		// Re-check: a concurrent Save may have refreshed it.
		if cur, ok := s.records[id]; ok && cur.IsExpired(s.now()) {
			delete(s.records, id)
		}
		s.mu.Unlock()
		return nil, connection.ErrConnectionNotFound
	}

	return rec.Clone(), nil
}

// Delete removes the record for id.
func (s *ConnectionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// ListByChannel returns live records authenticated for channel.
func (s *ConnectionStore) ListByChannel(_ context.Context, channel string) ([]*connection.Record, error) {
	return s.list(func(r *connection.Record) bool { return r.InChannel(channel) }), nil
}

// ListByResource returns live records authenticated for the resource.
func (s *ConnectionStore) ListByResource(_ context.Context, typ, id string) ([]*connection.Record, error) {
	return s.list(func(r *connection.Record) bool { return r.ForResource(typ, id) }), nil
}

func (s *ConnectionStore) list(match func(*connection.Record) bool) []*connection.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*connection.Record
	for _, rec := range s.records {
		if rec.IsExpired(now) || !match(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Size returns the number of records held, expired or not.
func (s *ConnectionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var _ connection.Store = (*ConnectionStore)(nil)
