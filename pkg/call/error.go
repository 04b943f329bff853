package call

import (
	"github.com/pkg/errors"
)

var (
	// ErrMediaAccessDenied aborts call setup; no signaling event is sent.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrNegotiationFailed is a peer link error; the session ends Failed.
	ErrNegotiationFailed = errors.New("media negotiation failed")

	ErrSessionAlreadyActive = errors.New("a call session is already active")
	ErrNoSession            = errors.New("no call session in a suitable state")
	ErrUnsupported          = errors.New("not supported by this call")
	ErrBusy                 = errors.New("busy with another call")
	ErrBlocked              = errors.New("user is blocked")
	ErrCancelled            = errors.New("call setup cancelled")
	ErrInvalidKind          = errors.New("invalid call kind")
)
