// Package storetest holds behavioural tests shared by every connection.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/share"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0).UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty store with the given retention that reads time from clock.
type Factory func(t *testing.T, retention time.Duration, clock *Clock) connection.Store

// Run exercises the connection.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("save unauthenticated then get", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, time.Hour, NewClock())

		if err := store.Save(ctx, "c1", nil, ""); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		rec, err := store.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if rec.ConnectionID != "c1" || rec.Authenticated || rec.Shareable != nil {
			t.Errorf("Get() = %+v, want unauthenticated c1", rec)
		}
	})

	t.Run("authenticate keeps connectedAt and refreshes expiry", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		store := newStore(t, time.Hour, clock)

		_ = store.Save(ctx, "c1", nil, "")
		first, _ := store.Get(ctx, "c1")

		clock.Advance(10 * time.Minute)
		sc := &share.Context{Token: "SHARE1", Type: "bot", ID: "b1", Channels: []string{"room"}}
		if err := store.Save(ctx, "c1", sc, "s1"); err != nil {
			t.Fatalf("Save() error: %v", err)
		}

		rec, err := store.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !rec.Authenticated || rec.Shareable == nil || rec.Shareable.Token != "SHARE1" {
			t.Errorf("record not authenticated: %+v", rec)
		}
		if rec.SessionID != "s1" {
			t.Errorf("SessionID = %q, want s1", rec.SessionID)
		}
		if !rec.ConnectedAt.Equal(first.ConnectedAt) {
			t.Errorf("ConnectedAt = %v, want %v", rec.ConnectedAt, first.ConnectedAt)
		}
		if want := clock.Now().Add(time.Hour); !rec.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t, time.Hour, NewClock())
		_, err := store.Get(context.Background(), "nope")
		if !errors.Is(err, connection.ErrConnectionNotFound) {
			t.Errorf("Get() error = %v, want ErrConnectionNotFound", err)
		}
	})

	t.Run("expired record behaves as missing", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		store := newStore(t, time.Minute, clock)

		_ = store.Save(ctx, "c1", &share.Context{Token: "t", Channels: []string{"room"}}, "")
		clock.Advance(2 * time.Minute)

		if _, err := store.Get(ctx, "c1"); !errors.Is(err, connection.ErrConnectionNotFound) {
			t.Errorf("Get(expired) error = %v, want ErrConnectionNotFound", err)
		}
		recs, err := store.ListByChannel(ctx, "room")
		if err != nil {
			t.Fatalf("ListByChannel() error: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("ListByChannel() returned %d expired records", len(recs))
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, time.Hour, NewClock())

		_ = store.Save(ctx, "c1", nil, "")
		for i := 0; i < 2; i++ {
			if err := store.Delete(ctx, "c1"); err != nil {
				t.Fatalf("Delete() #%d error: %v", i+1, err)
			}
		}
		if _, err := store.Get(ctx, "c1"); !errors.Is(err, connection.ErrConnectionNotFound) {
			t.Errorf("Get() after Delete error = %v", err)
		}
		if err := store.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("Delete(absent) error: %v", err)
		}
	})

	t.Run("list by channel and resource", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, time.Hour, NewClock())

		_ = store.Save(ctx, "a", &share.Context{Token: "t", Type: "bot", ID: "b1", Channels: []string{"room-1", "room-2"}}, "")
		_ = store.Save(ctx, "b", &share.Context{Token: "t", Type: "bot", ID: "b2", Channels: []string{"room-2"}}, "")
		_ = store.Save(ctx, "c", nil, "")

		assertIDs(t, "room-1", mustList(store.ListByChannel(ctx, "room-1")), "a")
		assertIDs(t, "room-2", mustList(store.ListByChannel(ctx, "room-2")), "a", "b")
		assertIDs(t, "room-3", mustList(store.ListByChannel(ctx, "room-3")))
		assertIDs(t, "bot/b2", mustList(store.ListByResource(ctx, "bot", "b2")), "b")

		// Re-saving without a context drops the connection from the indexes.
		_ = store.Save(ctx, "a", nil, "")
		assertIDs(t, "room-2 after downgrade", mustList(store.ListByChannel(ctx, "room-2")), "b")

		_ = store.Delete(ctx, "b")
		assertIDs(t, "room-2 after delete", mustList(store.ListByChannel(ctx, "room-2")))
	})

	t.Run("returned records are copies", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, time.Hour, NewClock())

		_ = store.Save(ctx, "c1", &share.Context{Token: "t", Channels: []string{"room"}}, "")
		rec, _ := store.Get(ctx, "c1")
		rec.Shareable.Channels[0] = "mutated"
		rec.Authenticated = false

		again, _ := store.Get(ctx, "c1")
		if !again.Authenticated || again.Shareable.Channels[0] != "room" {
			t.Errorf("store record was mutated through a returned copy: %+v", again)
		}
	})

	t.Run("concurrent connections", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, time.Hour, NewClock())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("conn-%d", i)
				_ = store.Save(ctx, id, nil, "")
				_ = store.Save(ctx, id, &share.Context{Token: "t", Channels: []string{"all"}}, "")
				_, _ = store.Get(ctx, id)
			}(i)
		}
		wg.Wait()

		recs, err := store.ListByChannel(ctx, "all")
		if err != nil {
			t.Fatalf("ListByChannel() error: %v", err)
		}
		if len(recs) != 20 {
			t.Errorf("ListByChannel() = %d records, want 20", len(recs))
		}
	})
}

func mustList(recs []*connection.Record, err error) []*connection.Record {
	if err != nil {
		panic(err)
	}
	return recs
}

func assertIDs(t *testing.T, label string, recs []*connection.Record, want ...string) {
	t.Helper()
	got := make([]string, 0, len(recs))
	for _, r := range recs {
		got = append(got, r.ConnectionID)
	}
	sort.Strings(got)
	sort.Strings(want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("%s: got %v, want %v", label, got, want)
	}
}
