package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/event"
	"github.com/relaygate/relaygate/internal/domain/router"
	"github.com/relaygate/relaygate/internal/domain/share"
	"github.com/relaygate/relaygate/internal/port/outbound"
)

// Handler errors.
var (
	ErrInvalidResource    = apperr.BadRequest("Invalid or expired resource").WithCode("INVALID_RESOURCE")
	ErrInvalidShareToken  = apperr.BadRequest("Invalid or expired token").WithCode("INVALID_TOKEN")
	ErrMissingShareable   = apperr.Unauthorized("Authentication required").WithCode("UNAUTHENTICATED")
	ErrNotWebSocket       = apperr.BadRequest("Command is only available over WebSocket")
	ErrInvalidRequestBody = apperr.BadRequest("Invalid request body").WithCode("VALIDATION_FAILED")
)

// TokenIssuer issues session tokens.
type TokenIssuer interface {
	Generate(sc *share.Context, ttl time.Duration) (string, error)
}

// Handlers holds the business handlers. Each one decodes its body, calls
// the backend and returns the backend result unchanged.
type Handlers struct {
	backend  outbound.BackendClient
	tokens   TokenIssuer
	store    connection.Store
	tokenTTL time.Duration
	validate *validator.Validate
}

// HandlersConfig configures Handlers.
type HandlersConfig struct {
	Backend  outbound.BackendClient
	Tokens   TokenIssuer
	Store    connection.Store
	TokenTTL time.Duration
}

// NewHandlers creates the business handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Handlers{
		backend:  cfg.Backend,
		tokens:   cfg.Tokens,
		store:    cfg.Store,
		tokenTTL: cfg.TokenTTL,
		validate: v,
	}
}

type getResourceRequest struct {
	Token string `mapstructure:"token" validate:"required"`
}

type authenticateRequest struct {
	Token     string `mapstructure:"token" validate:"required"`
	SessionID string `mapstructure:"sessionId"`
}

type sessionRequest struct {
	SessionID string `mapstructure:"sessionId" validate:"required"`
}

type uploadConfirmRequest struct {
	UploadID string `mapstructure:"uploadId" validate:"required"`
}

// GetResource exchanges a shareable token for its context and a session token.
func (h *Handlers) GetResource(ctx context.Context, ev *event.RequestEvent) (*router.HandlerResponse, error) {
	var req getResourceRequest
	if err := h.decode(ev.Body, &req); err != nil {
		return nil, err
	}

	sc, err := h.backend.ExchangeShareableToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, ErrInvalidResource
	}

	authToken, err := h.tokens.Generate(sc, h.tokenTTL)
	if err != nil {
		return nil, err
	}
	return router.OK(map[string]any{
		"config":    sc,
		"authToken": authToken,
	}), nil
}

// Authenticate binds the connection to the context of a shareable token.
func (h *Handlers) Authenticate(ctx context.Context, ev *event.RequestEvent) (*router.HandlerResponse, error) {
	wc, ok := ev.WebSocket()
	if !ok {
		return nil, ErrNotWebSocket
	}

	var req authenticateRequest
	if err := h.decode(ev.Body, &req); err != nil {
		return nil, err
	}

	sc, err := h.backend.ExchangeShareableToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, ErrInvalidShareToken
	}

	if err := h.store.Save(ctx, wc.ConnectionID, sc, req.SessionID); err != nil {
		return nil, err
	}
	return router.OK(map[string]any{
		"authenticated": true,
		"config":        sc,
	}), nil
}

// WebchatSend forwards a chat message for a session.
func (h *Handlers) WebchatSend(ctx context.Context, ev *event.RequestEvent) (*router.HandlerResponse, error) {
	sc, err := shareable(ev)
	if err != nil {
		return nil, err
	}
	var req sessionRequest
	if err := h.decode(ev.Body, &req); err != nil {
		return nil, err
	}

	result, err := h.backend.SendMessage(ctx, req.SessionID, ev.BodyWithout("sessionId"), sc.Token)
	if err != nil {
		return nil, err
	}
	return router.OK(result), nil
}

// WebchatHistory returns the message history of a session.
func (h *Handlers) WebchatHistory(ctx context.Context, ev *event.RequestEvent) (*router.HandlerResponse, error) {
	sc, err := shareable(ev)
	if err != nil {
		return nil, err
	}
	var req sessionRequest
	if err := h.decode(ev.Body, &req); err != nil {
		return nil, err
	}

	result, err := h.backend.GetHistory(ctx, req.SessionID, ev.BodyWithout("sessionId"), sc.Token)
	if err != nil {
		return nil, err
	}
	return router.OK(result), nil
}

// UploadLink requests a signed upload link.
func (h *Handlers) UploadLink(ctx context.Context, ev *event.RequestEvent) (*router.HandlerResponse, error) {
	sc, err := shareable(ev)
	if err != nil {
		return nil, err
	}

	result, err := h.backend.GetUploadLink(ctx, ev.BodyWithout(), sc.Token)
	if err != nil {
		return nil, err
	}
	return router.OK(result), nil
}

// UploadConfirm confirms a finished upload.
func (h *Handlers) UploadConfirm(ctx context.Context, ev *event.RequestEvent) (*router.HandlerResponse, error) {
	sc, err := shareable(ev)
	if err != nil {
		return nil, err
	}
	var req uploadConfirmRequest
	if err := h.decode(ev.Body, &req); err != nil {
		return nil, err
	}

	result, err := h.backend.ConfirmUpload(ctx, req.UploadID, ev.BodyWithout("uploadId"), sc.Token)
	if err != nil {
		return nil, err
	}
	return router.OK(result), nil
}

func shareable(ev *event.RequestEvent) (*share.Context, error) {
	if ev.Shareable == nil {
		return nil, ErrMissingShareable
	}
	return ev.Shareable, nil
}

// decode copies body into out and validates it. A single missing field is
// reported as such; other failures list every offending field.
func (h *Handlers) decode(body map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(body); err != nil {
		var merr *mapstructure.Error
		if errors.As(err, &merr) {
			return ErrInvalidRequestBody.WithDetails(map[string]any{"errors": merr.Errors})
		}
		return ErrInvalidRequestBody
	}

	if err := h.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		if len(verrs) == 1 && verrs[0].Tag() == "required" {
			return apperr.MissingField(verrs[0].Field())
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return ErrInvalidRequestBody.WithDetails(map[string]any{"fields": fields})
	}
	return nil
}
