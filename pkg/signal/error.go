package signal

import (
	"chatlink/pkg/auth"

	"github.com/pkg/errors"
)

// ErrChannelUnavailable is returned by Send while the channel is disconnected.
// Nothing is queued: the caller decides whether to retry after reconnect.
var ErrChannelUnavailable = errors.New("signaling channel unavailable")

// ErrAuthRejected is returned by Run when the server refuses the handshake
// identity.
var ErrAuthRejected = auth.ErrRejected

// ErrUnknownEvent is returned by Decode for an event name outside the catalog.
var ErrUnknownEvent = errors.New("unknown event")
