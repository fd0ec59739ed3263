// Package redis implements connection.Store on Redis for deployments with
// more than one relaygate instance.
//
// Each connection is a hash at {prefix}:conn:{id} with a native expiry.
// Authenticated connections are also members of {prefix}:chan:{channel}
// and {prefix}:res:{type}:{id} sets. Index members whose hash expired are
// dropped lazily when listed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/share"
)

const (
	fieldAuthenticated = "authenticated"
	fieldContext       = "context"
	fieldSessionID     = "session_id"
	fieldConnectedAt   = "connected_at"
	fieldExpiresAt     = "expires_at"

	maxWatchRetries = 5
)

// Config holds the Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// ConnectionStore implements connection.Store on Redis. Safe for concurrent
// use across processes: every write of one connection id runs in a
// WATCH/MULTI/EXEC transaction on its hash.
type ConnectionStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewClient creates a Redis client and checks connectivity.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewConnectionStore creates a store on client. prefix namespaces all keys.
func NewConnectionStore(client redis.UniversalClient, prefix string, retention time.Duration, logger *slog.Logger) *ConnectionStore {
	if retention <= 0 {
		retention = connection.DefaultRetention
	}
	if prefix == "" {
		prefix = "relaygate"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

func (s *ConnectionStore) connKey(id string) string {
	return s.prefix + ":conn:" + id
}

func (s *ConnectionStore) channelKey(channel string) string {
	return s.prefix + ":chan:" + channel
}

func (s *ConnectionStore) resourceKey(typ, id string) string {
	return s.prefix + ":res:" + typ + ":" + id
}

// indexKeys returns the index sets an authenticated record belongs to.
func (s *ConnectionStore) indexKeys(rec *connection.Record) []string {
	sc := rec.Trusted()
	if sc == nil {
		return nil
	}
	keys := make([]string, 0, len(sc.Channels)+1)
	for _, ch := range sc.Channels {
		keys = append(keys, s.channelKey(ch))
	}
	if sc.Type != "" || sc.ID != "" {
		keys = append(keys, s.resourceKey(sc.Type, sc.ID))
	}
	return keys
}

// Save upserts the record for id.
func (s *ConnectionStore) Save(ctx context.Context, id string, sc *share.Context, sessionID string) error {
	key := s.connKey(id)

	txf := func(tx *redis.Tx) error {
		prev, err := s.read(ctx, tx, id)
		if err != nil && !errors.Is(err, connection.ErrConnectionNotFound) {
			return err
		}

		now := s.now()
		rec := connection.NewRecord(id, sc, sessionID, now, s.retention)
		if prev != nil && !prev.IsExpired(now) {
			rec.ConnectedAt = prev.ConnectedAt
		}
		fields, err := encode(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				for _, k := range s.indexKeys(prev) {
					pipe.SRem(ctx, k, id)
				}
			}
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			pipe.PExpire(ctx, key, s.retention)
			for _, k := range s.indexKeys(rec) {
				pipe.SAdd(ctx, k, id)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("save connection %s: %w", id, err)
	}
	return nil
}

// Get returns the record for id. Expired records are deleted.
func (s *ConnectionStore) Get(ctx context.Context, id string) (*connection.Record, error) {
	rec, err := s.read(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(s.now()) {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to purge expired connection", "connection_id", id, "error", err)
		}
		return nil, connection.ErrConnectionNotFound
	}
	return rec, nil
}

// Delete removes the record for id and its index memberships.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	key := s.connKey(id)

	txf := func(tx *redis.Tx) error {
		prev, err := s.read(ctx, tx, id)
		if errors.Is(err, connection.ErrConnectionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range s.indexKeys(prev) {
				pipe.SRem(ctx, k, id)
			}
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	return nil
}

// ListByChannel returns live authenticated records granted channel.
func (s *ConnectionStore) ListByChannel(ctx context.Context, channel string) ([]*connection.Record, error) {
	return s.list(ctx, s.channelKey(channel), func(r *connection.Record) bool { return r.InChannel(channel) })
}

// ListByResource returns live authenticated records bound to the resource.
func (s *ConnectionStore) ListByResource(ctx context.Context, typ, id string) ([]*connection.Record, error) {
	return s.list(ctx, s.resourceKey(typ, id), func(r *connection.Record) bool { return r.ForResource(typ, id) })
}

func (s *ConnectionStore) list(ctx context.Context, indexKey string, match func(*connection.Record) bool) ([]*connection.Record, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexKey, err)
	}

	out := make([]*connection.Record, 0, len(ids))
	var stale []any
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, connection.ErrConnectionNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if match(rec) {
			out = append(out, rec)
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			s.logger.Debug("failed to drop stale index members", "index", indexKey, "error", err)
		}
	}
	return out, nil
}

// Ping checks connectivity.
func (s *ConnectionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// watch runs txf under WATCH keys, retrying when another writer won the race.
func (s *ConnectionStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *ConnectionStore) read(ctx context.Context, c hashReader, id string) (*connection.Record, error) {
	fields, err := c.HGetAll(ctx, s.connKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read connection %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, connection.ErrConnectionNotFound
	}
	return decode(id, fields)
}

func encode(rec *connection.Record) (map[string]any, error) {
	fields := map[string]any{
		fieldAuthenticated: strconv.FormatBool(rec.Authenticated),
		fieldSessionID:     rec.SessionID,
		fieldConnectedAt:   strconv.FormatInt(rec.ConnectedAt.UnixNano(), 10),
		fieldExpiresAt:     strconv.FormatInt(rec.ExpiresAt.UnixNano(), 10),
	}
	if rec.Shareable != nil {
		raw, err := json.Marshal(rec.Shareable)
		if err != nil {
			return nil, fmt.Errorf("encode shareable context: %w", err)
		}
		fields[fieldContext] = string(raw)
	}
	return fields, nil
}

func decode(id string, fields map[string]string) (*connection.Record, error) {
	rec := &connection.Record{
		ConnectionID: id,
		SessionID:    fields[fieldSessionID],
	}
	rec.Authenticated, _ = strconv.ParseBool(fields[fieldAuthenticated])

	connectedAt, err := strconv.ParseInt(fields[fieldConnectedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode connection %s: connected_at: %w", id, err)
	}
	expiresAt, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode connection %s: expires_at: %w", id, err)
	}
	rec.ConnectedAt = time.Unix(0, connectedAt).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()

	if raw := fields[fieldContext]; raw != "" {
		var sc share.Context
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			return nil, fmt.Errorf("decode connection %s: context: %w", id, err)
		}
		rec.Shareable = &sc
	}
	if rec.Shareable == nil {
		rec.Authenticated = false
	}
	return rec, nil
}

var (
	_ connection.Store  = (*ConnectionStore)(nil)
	_ connection.Pinger = (*ConnectionStore)(nil)
)
