package transports

import (
	"context"
	"errors"
)

// ErrCallClosed is returned by Call methods once the session stopped accepting
// input.
var ErrCallClosed = errors.New("call closed")

// StartRequest is the parsed stream start event of one call.
type StartRequest struct {
	CallID       string
	StreamID     string
	CallerNumber string
	ForwardedTo  string
	// Params holds every custom parameter the telephony side forwarded.
	Params map[string]string
}

// MediaConn is the transport side of a call. The session closes it when it
// reaches a terminal state.
type MediaConn interface {
	Close(reason string) error
}

// Call receives the inbound events of one started stream, in arrival order.
type Call interface {
	// Media delivers one encoded chunk exactly as it came off the wire.
	Media(seq int64, payload []byte) error
	// Stop ends the stream. Calling it more than once is harmless.
	Stop(reason string)
}

// CallHandler admits new calls.
type CallHandler interface {
	Open(ctx context.Context, req StartRequest, conn MediaConn) (Call, error)
}
