// Package response builds the wire shapes for handler outcomes.
// Delivery is left to the transports.
package response

import (
	"net/http"

	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/router"
)

// ErrorBody is the nested error object of every failure shape.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// HTTPSuccess is the HTTP body for status < 400.
type HTTPSuccess struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// HTTPFailure is the HTTP body for status >= 400.
type HTTPFailure struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Error   ErrorBody `json:"error"`
}

// FrameSuccess is a WebSocket success frame.
type FrameSuccess struct {
	Success    bool   `json:"success"`
	Command    string `json:"command"`
	Result     any    `json:"result"`
	StatusCode int    `json:"statusCode"`
}

// FrameFailure is a WebSocket error frame.
type FrameFailure struct {
	Success    bool      `json:"success"`
	Command    string    `json:"command"`
	Message    string    `json:"message"`
	Error      ErrorBody `json:"error"`
	StatusCode int       `json:"statusCode"`
}

func status(resp *router.HandlerResponse) int {
	if resp == nil || resp.StatusCode == 0 {
		return http.StatusOK
	}
	return resp.StatusCode
}

func errorBody(e *apperr.Error) ErrorBody {
	return ErrorBody{Message: e.Message, Code: e.Code, Details: e.Details}
}

// HTTP returns the status and body for a handler outcome. A non-nil e wins
// over resp. A handler that sets StatusCode >= 400 gets the failure shape.
func HTTP(resp *router.HandlerResponse, e *apperr.Error) (int, any) {
	if e != nil {
		return e.Status, HTTPFailure{Message: e.Message, Error: errorBody(e)}
	}
	code := status(resp)
	if code >= http.StatusBadRequest {
		msg := http.StatusText(code)
		return code, HTTPFailure{Message: msg, Error: ErrorBody{Message: msg}}
	}
	var result any
	if resp != nil {
		result = resp.Result
	}
	return code, HTTPSuccess{Success: true, Result: result}
}

// Frame returns the WebSocket frame for a handler outcome on command.
func Frame(command string, resp *router.HandlerResponse, e *apperr.Error) any {
	if e != nil {
		return FrameFailure{
			Command:    command,
			Message:    e.Message,
			Error:      ErrorBody{Message: e.Message, Code: e.Code},
			StatusCode: e.Status,
		}
	}
	var result any
	if resp != nil {
		result = resp.Result
	}
	return FrameSuccess{Success: true, Command: command, Result: result, StatusCode: status(resp)}
}

// BroadcastCommand is the command of frames pushed by a broadcast.
const BroadcastCommand = "broadcast"

// Broadcast is the result payload of a broadcast frame.
type Broadcast struct {
	Channel  string `json:"channel,omitempty"`
	Resource string `json:"resource,omitempty"`
	Event    string `json:"event"`
	Data     any    `json:"data"`
}

// BroadcastFrame wraps b as a success frame.
func BroadcastFrame(b Broadcast) FrameSuccess {
	return FrameSuccess{Success: true, Command: BroadcastCommand, Result: b, StatusCode: http.StatusOK}
}
