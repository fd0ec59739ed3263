package token

import (
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygate/relaygate/internal/domain/share"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts = append([]Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	svc, err := NewService(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc, clock
}

func sampleContext() *share.Context {
	return &share.Context{
		Token:    "SHARE1",
		Type:     "bot",
		ID:       "b-42",
		Channels: []string{"room-1", "room-2"},
		Extra:    map[string]any{"theme": "dark", "features": []any{"upload"}},
	}
}

func TestService_RoundTrip(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	in := sampleContext()

	tok, err := svc.Generate(in, 0)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	got := svc.Verify(tok)
	if got == nil {
		t.Fatal("Verify() = nil, want context")
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("Verify() = %+v, want %+v", got, in)
	}
}

func TestService_Expiry(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	tok, err := svc.Generate(sampleContext(), time.Minute)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	clock.Advance(59 * time.Second)
	if svc.Verify(tok) == nil {
		t.Fatal("token should verify inside its TTL")
	}

	clock.Advance(2 * time.Second)
	if svc.Verify(tok) != nil {
		t.Error("token should fail verification after its TTL")
	}
}

func TestService_DefaultTTL(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	tok, _ := svc.Generate(sampleContext(), 0)

	clock.Advance(DefaultTTL - time.Second)
	if svc.Verify(tok) == nil {
		t.Fatal("token should verify just inside the default TTL")
	}
	clock.Advance(2 * time.Second)
	if svc.Verify(tok) != nil {
		t.Error("token should expire after the default TTL")
	}
}

func TestService_RejectsTamperedAndForeignTokens(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	other, err := NewService(strings.Repeat("x", 32), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	otherIssuer, _ := newTestService(t, WithIssuer("someone-else"))

	good, _ := svc.Generate(sampleContext(), 0)
	foreign, _ := other.Generate(sampleContext(), 0)
	wrongIssuer, _ := otherIssuer.Generate(sampleContext(), 0)

	parts := strings.Split(good, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"ctx": map[string]any{"token": "x"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"tampered":     tampered,
		"other secret": foreign,
		"other issuer": wrongIssuer,
		"alg none":     unsigned,
	}
	for name, tok := range tests {
		if got := svc.Verify(tok); got != nil {
			t.Errorf("%s: Verify() = %+v, want nil", name, got)
		}
	}
}

func TestService_EphemeralSecret(t *testing.T) {
	t.Parallel()

	a, err := NewService("", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	b, _ := NewService("", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	tok, _ := a.Generate(sampleContext(), 0)
	if a.Verify(tok) == nil {
		t.Error("ephemeral service should verify its own tokens")
	}
	if b.Verify(tok) != nil {
		t.Error("two ephemeral services must not share a key")
	}
}

func TestService_GenerateNil(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	if _, err := svc.Generate(nil, 0); err != ErrNilContext {
		t.Errorf("Generate(nil) error = %v, want ErrNilContext", err)
	}
}

func TestService_VerifyReturnsCopy(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	tok, _ := svc.Generate(sampleContext(), 0)

	first := svc.Verify(tok)
	first.Channels[0] = "mutated"
	second := svc.Verify(tok)
	if second.Channels[0] != "room-1" {
		t.Error("Verify results must be independent")
	}
}
