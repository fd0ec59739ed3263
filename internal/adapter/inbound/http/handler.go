package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/event"
	"github.com/relaygate/relaygate/internal/domain/response"
	"github.com/relaygate/relaygate/internal/port/inbound"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// BroadcastKeyHeader carries the shared secret of the broadcast endpoint.
const BroadcastKeyHeader = "X-Broadcast-Key"

// Transport-level errors.
var (
	ErrBodyTooLarge        = apperr.New(http.StatusRequestEntityTooLarge, "Request body too large").WithCode("BODY_TOO_LARGE")
	ErrInvalidBroadcastKey = apperr.Unauthorized("Invalid broadcast key").WithCode("INVALID_BROADCAST_KEY")
)

// brokerHandler normalizes the request, dispatches it and writes the envelope.
func brokerHandler(basePath string, dispatcher inbound.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, r, ErrBodyTooLarge)
				return
			}
			writeError(w, r, apperr.BadRequest("Unreadable request body"))
			return
		}

		ev := event.NormalizeHTTP(basePath, event.HTTPRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Headers:   r.Header,
			Body:      body,
			RemoteIP:  ClientIP(r.Context()),
			RequestID: ctxkey.RequestID(r.Context()),
		})

		resp, coded := dispatcher.Dispatch(r.Context(), ev)
		status, payload := response.HTTP(resp, coded)
		writeJSON(w, r, status, payload)
	})
}

// broadcastHandler accepts backend broadcast requests guarded by key.
func broadcastHandler(b inbound.Broadcaster, key string) http.Handler {
	validate := validator.New()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, r, apperr.MethodNotAllowed("Method not allowed"))
			return
		}
		got := r.Header.Get(BroadcastKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			writeError(w, r, ErrInvalidBroadcastKey)
			return
		}

		var req inbound.BroadcastRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, apperr.BadRequest("Invalid request body"))
			return
		}
		if err := validate.Struct(req); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				writeError(w, r, apperr.MissingField("event"))
				return
			}
			writeError(w, r, apperr.BadRequest("Invalid request body"))
			return
		}

		delivered, err := b.Broadcast(r.Context(), req)
		if err != nil {
			coded := apperr.From(err)
			if coded.Status >= 500 {
				ctxkey.Logger(r.Context(), nil).Error("broadcast failed", "error", err)
			}
			writeError(w, r, coded)
			return
		}
		writeJSON(w, r, http.StatusOK, response.HTTPSuccess{
			Success: true,
			Result:  map[string]int{"delivered": delivered},
		})
	})
}

func writeError(w http.ResponseWriter, r *http.Request, e *apperr.Error) {
	status, payload := response.HTTP(nil, e)
	writeJSON(w, r, status, payload)
}

// writeJSON writes payload with the JSON content type. Encoding failures
// are logged only: the status line is already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		ctxkey.Logger(r.Context(), nil).Debug("failed to write response", "error", err)
	}
}
