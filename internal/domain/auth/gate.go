package auth

import (
	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/connection"
)

// AuthenticateCommand is the only command allowed on an unauthenticated connection.
const AuthenticateCommand = "authenticate"

// ErrNotAuthenticated is returned for commands on unauthenticated
// connections. It closes the connection.
var ErrNotAuthenticated = apperr.Unauthorized("Connection not authenticated. Send an authenticate command first.").
	WithCode("UNAUTHENTICATED").
	Closing()

// IsExempt reports whether command skips the connection gate.
func IsExempt(command string) bool {
	return command == AuthenticateCommand
}

// CheckConnection gates a WebSocket command on the connection record.
// The authenticate command always passes.
func CheckConnection(rec *connection.Record, command string) error {
	if IsExempt(command) {
		return nil
	}
	if rec.Trusted() == nil {
		return ErrNotAuthenticated
	}
	return nil
}
