// Package typing tracks the "peer is typing" flag of the open conversation.
// There is no stop signal: the flag clears when it expires or when the next
// message of that conversation arrives.
package typing

import (
	"sync"
	"time"

	"chatlink/pkg/log"
	"chatlink/pkg/signal"
	chatsync "chatlink/pkg/sync"

	"github.com/pkg/errors"
)

const defaultExpiry = 3 * time.Second

var ErrNoConversation = errors.New("no open conversation")

type Sender interface {
	Send(name signal.EventName, payload any) error
}

type DebouncerConfig struct {
	LocalUserID string
	Expiry      time.Duration
}

type Debouncer struct {
	cfg    DebouncerConfig
	sender Sender

	mu     sync.Mutex
	open   string
	typing string
	expiry chatsync.DelayTimer
	// armed counts expiry arms; a firing only clears the flag it was armed for.
	armed uint64

	observersMx sync.Mutex
	observers   []func(conversationID, userID string)
}

func NewDebouncer(cfg DebouncerConfig, sender Sender) *Debouncer {
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}

	return &Debouncer{
		cfg:    cfg,
		sender: sender,
	}
}

// OnChange registers an observer called when the flag is set or cleared.
// userID is empty on clear.
func (d *Debouncer) OnChange(fn func(conversationID, userID string)) {
	d.observersMx.Lock()
	d.observers = append(d.observers, fn)
	d.observersMx.Unlock()
}

// SetOpen switches the open conversation and drops any flag of the previous one.
func (d *Debouncer) SetOpen(conversationID string) {
	d.mu.Lock()

	prev, was := d.open, d.typing
	d.open = conversationID
	d.typing = ""
	d.armed++
	d.expiry.Stop()

	d.mu.Unlock()

	if was != "" {
		d.notify(prev, "")
	}
}

// Keystroke emits typing for the open conversation. Every keystroke is sent.
func (d *Debouncer) Keystroke() error {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()

	if open == "" {
		return ErrNoConversation
	}

	return d.sender.Send(signal.EventTyping, signal.Typing{ConversationID: open})
}

// HandleUserTyping sets the flag for the open conversation and restarts its
// expiry.
func (d *Debouncer) HandleUserTyping(ev signal.UserTyping) {
	if ev.UserID == "" || ev.UserID == d.cfg.LocalUserID {
		return
	}

	d.mu.Lock()

	if ev.ConversationID != d.open {
		d.mu.Unlock()

		return
	}

	changed := d.typing != ev.UserID
	d.typing = ev.UserID

	d.armed++

	conv, armed := ev.ConversationID, d.armed
	d.expiry.Restart(d.cfg.Expiry, func() {
		d.expire(conv, armed)
	})

	d.mu.Unlock()

	if changed {
		log.Component("typing").WithField("conversation", conv).Debugf("%s is typing", ev.UserID)
		d.notify(conv, ev.UserID)
	}
}

// Clear drops the flag of conversationID, if set.
func (d *Debouncer) Clear(conversationID string) {
	d.mu.Lock()

	if d.open != conversationID || d.typing == "" {
		d.mu.Unlock()

		return
	}

	d.typing = ""
	d.armed++
	d.expiry.Stop()

	d.mu.Unlock()

	d.notify(conversationID, "")
}

// Typing returns who is typing in conversationID.
func (d *Debouncer) Typing(conversationID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open != conversationID || d.typing == "" {
		return "", false
	}

	return d.typing, true
}

func (d *Debouncer) Close() {
	d.expiry.Stop()
}

func (d *Debouncer) expire(conversationID string, armed uint64) {
	d.mu.Lock()

	if armed != d.armed || d.open != conversationID || d.typing == "" {
		d.mu.Unlock()

		return
	}

	d.typing = ""
	d.mu.Unlock()

	d.notify(conversationID, "")
}

func (d *Debouncer) notify(conversationID, userID string) {
	d.observersMx.Lock()
	observers := append(([]func(string, string))(nil), d.observers...)
	d.observersMx.Unlock()

	for _, fn := range observers {
		fn(conversationID, userID)
	}
}
