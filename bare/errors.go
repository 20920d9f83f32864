package bare

import (
	"context"
	"errors"
	"net"
	"runtime"
)

// BareError is the tagged domain error returned by route handlers. Status
// carries the HTTP status to respond with; Code/ID/Message/Stack are
// serialized as the JSON error body.
type BareError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *BareError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func missingHeader(name string) *BareError {
	return &BareError{400, "MISSING_BARE_HEADER", "request.headers." + name, "Header was not specified.", ""}
}

func invalidHeader(id, message string) *BareError {
	return &BareError{400, "INVALID_BARE_HEADER", id, message, ""}
}

func forbiddenHeader(id, message string) *BareError {
	return &BareError{400, "FORBIDDEN_BARE_HEADER", id, message, ""}
}

func unknownError(err error, logErrors bool) *BareError {
	be := &BareError{500, "UNKNOWN", "unknown", err.Error(), ""}
	if logErrors {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		be.Stack = string(buf[:n])
	}
	return be
}

// outgoingError classifies a transport error raised while performing the
// outbound fetch/upgrade into the BareError kinds named in spec §7.
func outgoingError(err error) *BareError {
	if errors.Is(err, context.Canceled) {
		return &BareError{500, "CONNECTION_RESET", "response", "The request was forcibly closed.", ""}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &BareError{500, "CONNECTION_TIMEOUT", "response", "The response timed out.", ""}
	}

	if netErr, ok := err.(net.Error); ok {
		if netErr.Timeout() {
			return &BareError{500, "CONNECTION_TIMEOUT", "response", "The response timed out.", ""}
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			switch opErr.Err.Error() {
			case "no such host":
				return &BareError{500, "HOST_NOT_FOUND", "request", "The specified host could not be resolved.", ""}
			case "connection refused":
				return &BareError{500, "CONNECTION_REFUSED", "response", "The remote rejected the request.", ""}
			case "connection reset by peer":
				return &BareError{500, "CONNECTION_RESET", "response", "The request was forcibly closed.", ""}
			}
		}
	}

	return &BareError{500, "UNKNOWN", "unknown", err.Error(), ""}
}
