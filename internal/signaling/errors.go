package signaling

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for requests on a channel that was closed or whose
// connection dropped before the reply arrived.
var ErrClosed = errors.New("signaling: channel closed")

// Error is an error payload returned by the relay for one request
type Error struct {
	Method  string
	Code    int64
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("signaling %s failed (code %d): %s", e.Method, e.Code, e.Message)
}
