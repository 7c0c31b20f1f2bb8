package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/newthinker/relaybot/internal/core"
)

// TransportError maps a failed HTTP round trip to TIMEOUT or CONNECTION_FAILURE.
func TransportError(err error) *core.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return core.WrapError(core.ErrTimeout, err)
	}
	return core.WrapError(core.ErrConnectionFailure, err)
}

// StatusError maps a non-2xx HTTP status of a chat-completions style API.
func StatusError(status int, cause error) *core.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.WrapError(core.ErrAuthFailure, cause)
	case http.StatusTooManyRequests:
		return core.WrapError(core.ErrRateLimited, cause)
	default:
		return core.WrapError(core.ErrAPI, cause)
	}
}
