// Package sqlite implements connection.Store on an embedded SQLite file
// for single-node deployments whose connection records must survive a
// restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/share"
)

// DefaultCleanupInterval is how often expired records are swept.
const DefaultCleanupInterval = time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	connection_id TEXT PRIMARY KEY,
	authenticated INTEGER NOT NULL DEFAULT 0,
	context       TEXT,
	session_id    TEXT NOT NULL DEFAULT '',
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id   TEXT NOT NULL DEFAULT '',
	connected_at  INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS connections_expires_at ON connections (expires_at);
CREATE INDEX IF NOT EXISTS connections_resource ON connections (resource_type, resource_id);
CREATE TABLE IF NOT EXISTS connection_channels (
	connection_id TEXT NOT NULL,
	channel       TEXT NOT NULL,
	PRIMARY KEY (connection_id, channel)
);
CREATE INDEX IF NOT EXISTS connection_channels_channel ON connection_channels (channel);
`

const selectColumns = `c.connection_id, c.authenticated, c.context, c.session_id, c.connected_at, c.expires_at`

// ConnectionStore implements connection.Store on SQLite.
type ConnectionStore struct {
	db              *sql.DB
	retention       time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, retention, cleanupInterval time.Duration, logger *slog.Logger) (*ConnectionStore, error) {
	if retention <= 0 {
		retention = connection.DefaultRetention
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &ConnectionStore{
		db:              db,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		now:             time.Now,
		logger:          logger,
		stopChan:        make(chan struct{}),
	}, nil
}

// Close stops the sweep and closes the database.
func (s *ConnectionStore) Close() error {
	s.Stop()
	return s.db.Close()
}

// StartCleanup starts the background sweep of expired records.
func (s *ConnectionStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := s.sweep(ctx); err != nil {
					s.logger.Warn("connection sweep failed", "error", err)
				} else if n > 0 {
					s.logger.Debug("swept expired connections", "count", n)
				}
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep and waits for it. Safe to call more than once.
func (s *ConnectionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *ConnectionStore) sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM connection_channels WHERE connection_id IN (SELECT connection_id FROM connections WHERE expires_at <= ?)`,
		cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// Save upserts the record for id in one transaction.
func (s *ConnectionStore) Save(ctx context.Context, id string, sc *share.Context, sessionID string) error {
	now := s.now()
	rec := connection.NewRecord(id, sc, sessionID, now, s.retention)

	var contextJSON sql.NullString
	var resourceType, resourceID string
	if rec.Shareable != nil {
		raw, err := json.Marshal(rec.Shareable)
		if err != nil {
			return fmt.Errorf("encode shareable context: %w", err)
		}
		contextJSON = sql.NullString{String: string(raw), Valid: true}
		resourceType, resourceID = rec.Shareable.Type, rec.Shareable.ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save connection %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	// An unexpired record keeps its original connected_at.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO connections (connection_id, authenticated, context, session_id, resource_type, resource_id, connected_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			authenticated = excluded.authenticated,
			context       = excluded.context,
			session_id    = excluded.session_id,
			resource_type = excluded.resource_type,
			resource_id   = excluded.resource_id,
			connected_at  = CASE WHEN connections.expires_at > ? THEN connections.connected_at ELSE excluded.connected_at END,
			expires_at    = excluded.expires_at`,
		id, rec.Authenticated, contextJSON, sessionID, resourceType, resourceID,
		rec.ConnectedAt.UnixNano(), rec.ExpiresAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("save connection %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM connection_channels WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("save connection %s channels: %w", id, err)
	}
	if sc := rec.Trusted(); sc != nil {
		for _, ch := range sc.Channels {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO connection_channels (connection_id, channel) VALUES (?, ?)`, id, ch); err != nil {
				return fmt.Errorf("save connection %s channels: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save connection %s: %w", id, err)
	}
	return nil
}

// Get returns the record for id. Expired records are deleted.
func (s *ConnectionStore) Get(ctx context.Context, id string) (*connection.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM connections c WHERE c.connection_id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", id, err)
	}

	if rec.IsExpired(s.now()) {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to purge expired connection", "connection_id", id, "error", err)
		}
		return nil, connection.ErrConnectionNotFound
	}
	return rec, nil
}

// Delete removes the record for id.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM connection_channels WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	return tx.Commit()
}

// ListByChannel returns live authenticated records granted channel.
func (s *ConnectionStore) ListByChannel(ctx context.Context, channel string) ([]*connection.Record, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM connections c
		JOIN connection_channels cc ON cc.connection_id = c.connection_id
		WHERE cc.channel = ? AND c.authenticated = 1 AND c.expires_at > ?
		ORDER BY c.connection_id`,
		channel, s.now().UnixNano())
}

// ListByResource returns live authenticated records bound to the resource.
func (s *ConnectionStore) ListByResource(ctx context.Context, typ, id string) ([]*connection.Record, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM connections c
		WHERE c.resource_type = ? AND c.resource_id = ? AND c.authenticated = 1 AND c.expires_at > ?
		ORDER BY c.connection_id`,
		typ, id, s.now().UnixNano())
}

// Ping checks the database.
func (s *ConnectionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ConnectionStore) query(ctx context.Context, q string, args ...any) ([]*connection.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*connection.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list connections: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*connection.Record, error) {
	var (
		rec         connection.Record
		contextJSON sql.NullString
		connectedAt int64
		expiresAt   int64
	)
	if err := row.Scan(&rec.ConnectionID, &rec.Authenticated, &contextJSON, &rec.SessionID, &connectedAt, &expiresAt); err != nil {
		return nil, err
	}
	rec.ConnectedAt = time.Unix(0, connectedAt).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()

	if contextJSON.Valid && strings.TrimSpace(contextJSON.String) != "" {
		var sc share.Context
		if err := json.Unmarshal([]byte(contextJSON.String), &sc); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", rec.ConnectionID, err)
		}
		rec.Shareable = &sc
	}
	if rec.Shareable == nil {
		rec.Authenticated = false
	}
	return &rec, nil
}

var (
	_ connection.Store  = (*ConnectionStore)(nil)
	_ connection.Pinger = (*ConnectionStore)(nil)
)
