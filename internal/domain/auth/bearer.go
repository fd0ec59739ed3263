// Package auth holds the two authentication gates: bearer session tokens for
// HTTP and authenticated connection records for WebSocket.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/event"
	"github.com/relaygate/relaygate/internal/domain/router"
	"github.com/relaygate/relaygate/internal/domain/token"
)

// Bearer auth failures.
var (
	ErrMissingAuthorization   = apperr.Unauthorized("Missing authorization header").WithCode("MISSING_AUTHORIZATION")
	ErrMalformedAuthorization = apperr.Unauthorized("Invalid authorization header format").WithCode("INVALID_AUTHORIZATION")
	ErrInvalidToken           = apperr.Unauthorized("Invalid or expired token").WithCode("INVALID_TOKEN")
	ErrAuthEvaluation         = apperr.Unprocessable("Cannot evaluate authorization").WithCode("AUTH_EVALUATION_FAILED")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively; the token must be
// a single non-empty word.
func ExtractBearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	if tok == "" || strings.ContainsAny(tok, " \t") {
		return "", false
	}
	return tok, true
}

// BearerMiddleware verifies the session token of HTTP events and attaches
// its shareable context. Any failure that is not one of the 401s above,
// including a panic in the verifier, becomes a 422.
func BearerMiddleware(v token.Verifier) router.Middleware {
	return func(_ context.Context, ev *event.RequestEvent) (out *event.RequestEvent, err error) {
		defer func() {
			if r := recover(); r != nil {
				out, err = nil, apperr.Wrap(ErrAuthEvaluation.Status, ErrAuthEvaluation.Message,
					fmt.Errorf("panic during bearer verification: %v", r)).WithCode(ErrAuthEvaluation.Code)
			}
		}()

		hc, ok := ev.HTTP()
		if !ok {
			return nil, ErrAuthEvaluation
		}

		header := hc.Headers.Get("Authorization")
		if header == "" {
			return nil, ErrMissingAuthorization
		}
		tok, ok := ExtractBearerToken(header)
		if !ok {
			return nil, ErrMalformedAuthorization
		}

		sc := v.Verify(tok)
		if sc == nil {
			return nil, ErrInvalidToken
		}
		return ev.WithShareable(sc), nil
	}
}
