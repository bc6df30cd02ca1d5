// Package signaling defines the narrow signaling surface the call session
// controller depends on, plus a sipgo-backed implementation. The controller
// only sees these interfaces; everything protocol-specific stays behind them.
package signaling

import (
	"context"

	"github.com/voicedesk/voicedesk/internal/audio"
)

// SessionState is a signaling-level session lifecycle state.
type SessionState int

const (
	// Establishing: the remote end is alerting (provisional response).
	Establishing SessionState = iota
	// Established: two-way media has been negotiated.
	Established
	// Terminated: the session has ended, for any reason.
	Terminated
)

func (s SessionState) String() string {
	switch s {
	case Establishing:
		return "establishing"
	case Established:
		return "established"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TerminateOrigin identifies which side ended a session, when the signaling
// layer can tell from the termination cause.
type TerminateOrigin int

const (
	OriginUnknown TerminateOrigin = iota
	OriginLocal
	OriginRemote
)

// Event is a session state change notification.
type Event struct {
	State SessionState

	// Origin is set on Terminated events when the cause identifies the
	// terminating side; OriginUnknown otherwise.
	Origin TerminateOrigin

	// StatusCode is the SIP status associated with the event, when one
	// exists (180, 200, 486, ...). Zero otherwise.
	StatusCode int
}

// Direction expresses the negotiated media flow for renegotiation.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
)

// Session is one signaling dialog for one call attempt.
type Session interface {
	// ID is an opaque session identifier (the Call-ID).
	ID() string

	// Events delivers state change notifications in signaling order.
	// The channel is closed after the Terminated event is delivered.
	Events() <-chan Event

	// Bye terminates an established session.
	Bye(ctx context.Context) error

	// Cancel aborts a session that has not been answered yet.
	Cancel(ctx context.Context) error

	// Info sends an out-of-band in-dialog message (DTMF relay).
	Info(ctx context.Context, contentType string, body []byte) error

	// Renegotiate changes the media direction of an established session
	// (hold/resume). It returns once the exchange has been accepted or
	// refused by the remote end.
	Renegotiate(ctx context.Context, dir Direction) error

	// Media exposes the narrow media surface for the audio graph.
	Media() audio.MediaPort
}

// Client registers with a signaling server and originates sessions.
type Client interface {
	// Register performs registration. It must succeed before Invite.
	Register(ctx context.Context) error

	// Unregister removes the registration best-effort.
	Unregister(ctx context.Context) error

	// Registered reports whether a registration is currently in place.
	Registered() bool

	// OnRegistered installs a callback invoked each time registration
	// completes. Used to drain calls queued before readiness.
	OnRegistered(fn func())

	// Invite originates a session toward the target number.
	Invite(ctx context.Context, target string) (Session, error)
}
