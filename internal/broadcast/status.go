package broadcast

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of the session
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateConnecting   State = "connecting"
	StateBroadcasting State = "broadcasting"
	StateError        State = "error"
)

// rank orders the forward states of one attempt
func (s State) rank() int {
	switch s {
	case StateStarting:
		return 1
	case StateConnecting:
		return 2
	case StateBroadcasting:
		return 3
	default:
		return 0
	}
}

// Status is what UI observers see
type Status struct {
	State     State     `json:"state"`
	Message   string    `json:"message"`
	CanStart  bool      `json:"canStart"`
	CanStop   bool      `json:"canStop"`
	SessionID string    `json:"sessionId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Since     time.Time `json:"since"`
}

var (
	ErrBusy        = errors.New("broadcast: session is not idle")
	ErrAborted     = errors.New("broadcast: start aborted")
	ErrStartFailed = errors.New("broadcast: start failed")
	ErrClosed      = errors.New("broadcast: session closed")
)

type FailureKind string

const (
	KindNegotiation FailureKind = "negotiation"
	KindHandshake   FailureKind = "handshake"
	KindTransport   FailureKind = "transport"
	KindDevice      FailureKind = "device"
)

// FailureError records which stage of an attempt failed. It only ever
// reaches observers as the status text.
type FailureError struct {
	Kind FailureKind
	Err  error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// relayRejected marks errors from the connect and produce listeners. It keeps
// the relay's text unchanged.
type relayRejected struct{ err error }

func (r relayRejected) Error() string { return r.err.Error() }
func (r relayRejected) Unwrap() error { return r.err }

// classify picks the failure kind. Relay rejections surface as handshake
// failures whatever step they interrupted.
func classify(err error, fallback FailureKind) *FailureError {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe
	}
	var rejected relayRejected
	if errors.As(err, &rejected) {
		return &FailureError{Kind: KindHandshake, Err: err}
	}
	return &FailureError{Kind: fallback, Err: err}
}
