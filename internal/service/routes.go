package service

import (
	"net/http"

	"github.com/relaygate/relaygate/internal/domain/auth"
	"github.com/relaygate/relaygate/internal/domain/router"
)

// RegisterRoutes installs the HTTP and WebSocket routes of h on r. bearer
// guards every HTTP route except POST /resource/get. WebSocket commands are
// guarded by the connection gate in the lifecycle manager.
func RegisterRoutes(r *router.Router, h *Handlers, bearer router.Middleware) {
	r.HandleHTTP(http.MethodPost, "resource", "get", h.GetResource)
	r.HandleHTTP(http.MethodPost, "webchat", "send", h.WebchatSend, bearer)
	r.HandleHTTP(http.MethodPost, "webchat", "history", h.WebchatHistory, bearer)
	r.HandleHTTP(http.MethodPost, "upload", "link", h.UploadLink, bearer)
	r.HandleHTTP(http.MethodPost, "upload", "confirm", h.UploadConfirm, bearer)

	r.HandleCommand(auth.AuthenticateCommand, h.Authenticate)
	r.HandleCommand("webchat:send", h.WebchatSend)
	r.HandleCommand("webchat:history", h.WebchatHistory)
	r.HandleCommand("upload:link", h.UploadLink)
	r.HandleCommand("upload:confirm", h.UploadConfirm)
}
