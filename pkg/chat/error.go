package chat

import (
	"github.com/pkg/errors"
)

var (
	ErrBlocked             = errors.New("conversation peer is blocked")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrEmptyMessage        = errors.New("empty message")
	ErrNotResendable       = errors.New("message is not a failed send")
)
