// Package notify turns errors and incoming messages into transient notices
// for the user. Only a rejected identity forces a sign-out; everything else
// is shown and forgotten.
package notify

import (
	"fmt"
	"time"

	"chatlink/pkg/auth"
	"chatlink/pkg/call"
	"chatlink/pkg/chat"
	"chatlink/pkg/signal"
	"chatlink/pkg/types"

	"github.com/pkg/errors"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return "info"
}

type Notice struct {
	Level   Level
	Text    string
	Time    time.Time
	SignOut bool
}

func (n Notice) String() string {
	return fmt.Sprintf("[%s] %s", n.Level, n.Text)
}

// FromError classifies err.
func FromError(err error) Notice {
	n := Notice{Level: LevelWarning, Time: time.Now()}

	switch {
	case errors.Is(err, auth.ErrRejected):
		n.Level, n.Text, n.SignOut = LevelError, "Session rejected by the server, signing out", true
	case errors.Is(err, call.ErrMediaAccessDenied):
		n.Text = "Camera or microphone access denied"
	case errors.Is(err, call.ErrNegotiationFailed):
		n.Level, n.Text = LevelError, "Call could not be connected"
	case errors.Is(err, signal.ErrChannelUnavailable):
		n.Text = "Not connected, try again once the connection is back"
	case errors.Is(err, call.ErrSessionAlreadyActive), errors.Is(err, call.ErrBusy):
		n.Text = "Another call is in progress"
	case errors.Is(err, call.ErrBlocked), errors.Is(err, chat.ErrBlocked):
		n.Text = "You have blocked this user. Unblock to continue."
	case errors.Is(err, call.ErrUnsupported):
		n.Level, n.Text = LevelInfo, "Not available in this call"
	case errors.Is(err, call.ErrNoSession):
		n.Level, n.Text = LevelInfo, "No call to act on"
	case errors.Is(err, chat.ErrUnknownConversation):
		n.Text = "Open a conversation first"
	case errors.Is(err, chat.ErrEmptyMessage):
		n.Level, n.Text = LevelInfo, "Nothing to send"
	default:
		n.Text = err.Error()
	}

	return n
}

// Center fans notices out to one consumer. Publishing never blocks; when the
// consumer lags the oldest unread notices are what it misses.
type Center struct {
	notices chan Notice
}

func NewCenter(size int) *Center {
	if size <= 0 {
		size = 64
	}

	return &Center{notices: make(chan Notice, size)}
}

func (c *Center) Notices() <-chan Notice {
	return c.notices
}

func (c *Center) Publish(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	for {
		select {
		case c.notices <- n:
			return
		default:
		}

		select {
		case <-c.notices:
		default:
		}
	}
}

// Error publishes the notice for err and returns it.
func (c *Center) Error(err error) Notice {
	n := FromError(err)
	c.Publish(n)

	return n
}

// Notify announces a message from someone else.
func (c *Center) Notify(conv types.Conversation, msg types.Message) {
	from := msg.SenderID
	if conv.OtherUser != nil && conv.OtherUser.ID == msg.SenderID {
		from = conv.OtherUser.DisplayName()
	}

	c.Publish(Notice{Level: LevelInfo, Text: "New message from " + from})
}
