package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatlink/pkg/call"
	"chatlink/pkg/chat"
	"chatlink/pkg/notify"
	"chatlink/pkg/prefs"
	"chatlink/pkg/presence"
	"chatlink/pkg/types"
	"chatlink/pkg/typing"

	"github.com/pkg/errors"
)

var errQuit = errors.New("quit")

const usage = `commands:
  open <conversation>            open a conversation and load its history
  history <from> [to]            reload history between dates (YYYY-MM-DD)
  send <text>                    send a message to the open conversation
  resend <tmp id>                resend a message that failed
  type                           tell the peer you are typing
  call <user> [audio|video]      start a call
  accept | decline | end         answer, refuse or hang up
  mute | video | flip            toggle microphone, camera, camera facing
  convs | msgs | online          list conversations, messages, online users
  receipts on|off                send read receipts or not
  quit`

// Console is a line oriented front end over the engine components.
type Console struct {
	localID string
	signOut func(error)

	calls    *call.Controller
	chat     *chat.Synchronizer
	typing   *typing.Debouncer
	presence *presence.Tracker
	prefs    *prefs.Store
	notices  *notify.Center

	outMx sync.Mutex
	out   io.Writer

	printedMx sync.Mutex
	printed   map[string]string
}

func NewConsole(out io.Writer, localID string, signOut func(error), calls *call.Controller, synchronizer *chat.Synchronizer, debouncer *typing.Debouncer,
	tracker *presence.Tracker, store *prefs.Store, notices *notify.Center,
) *Console {
	c := &Console{
		localID:  localID,
		signOut:  signOut,
		calls:    calls,
		chat:     synchronizer,
		typing:   debouncer,
		presence: tracker,
		prefs:    store,
		notices:  notices,
		out:      out,
		printed:  make(map[string]string),
	}

	calls.OnChange(c.onCallChange)
	debouncer.OnChange(c.onTypingChange)
	synchronizer.OnChange(c.onChatChange)

	return c
}

// Run reads commands from in until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s\n", usage)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-c.notices.Notices():
			c.printf("%s\n", n)
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			err := c.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}

			if err != nil {
				c.fail(err)
			}
		}
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	cmd, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "":
		return nil
	case "help":
		c.printf("%s\n", usage)
	case "quit", "exit":
		return errQuit
	case "open":
		if args == "" {
			return errors.New("usage: open <conversation>")
		}

		c.typing.SetOpen(args)

		if err := c.chat.OpenConversation(ctx, args); err != nil {
			return err
		}

		c.printMessages(args)
	case "history":
		return c.history(ctx, args)
	case "send":
		_, err := c.chat.SendMessage(c.chat.OpenConversationID(), args, types.ContentText)
		return err
	case "resend":
		return c.chat.Resend(c.chat.OpenConversationID(), args)
	case "type":
		return c.typing.Keystroke()
	case "call":
		return c.startCall(ctx, args)
	case "accept":
		go func() {
			if err := c.calls.AcceptCall(ctx); err != nil && !errors.Is(err, call.ErrCancelled) {
				c.fail(err)
			}
		}()
	case "decline":
		return c.calls.DeclineCall()
	case "end":
		return c.calls.EndCall()
	case "mute":
		muted, err := c.calls.ToggleMute()
		if err != nil {
			return err
		}

		c.printf("microphone %s\n", onOff(!muted))
	case "video":
		off, err := c.calls.ToggleVideo()
		if err != nil {
			return err
		}

		c.printf("camera %s\n", onOff(!off))
	case "flip":
		go func() {
			if err := c.calls.SwitchCamera(ctx); err != nil {
				c.fail(err)
			}
		}()
	case "convs":
		c.printConversations()
	case "msgs":
		c.printMessages(c.chat.OpenConversationID())
	case "online":
		c.printf("online: %s\n", strings.Join(c.presence.Online(), ", "))
	case "receipts":
		switch args {
		case "on", "off":
			return c.prefs.SetReadReceipts(args == "on")
		default:
			c.printf("read receipts %s\n", onOff(c.prefs.ReadReceipts()))
		}
	default:
		return errors.Errorf("unknown command %q, try help", cmd)
	}

	return nil
}

func (c *Console) startCall(ctx context.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return errors.New("usage: call <user> [audio|video]")
	}

	kind := types.CallAudio
	if len(fields) > 1 {
		kind = types.CallKind(fields[1])
	}

	go func() {
		if err := c.calls.StartCall(ctx, fields[0], kind); err != nil && !errors.Is(err, call.ErrCancelled) {
			c.fail(err)
		}
	}()

	return nil
}

func (c *Console) history(ctx context.Context, args string) error {
	open := c.chat.OpenConversationID()
	if open == "" {
		return chat.ErrUnknownConversation
	}

	var (
		r      types.DateRange
		fields = strings.Fields(args)
		err    error
	)

	if len(fields) > 0 {
		if r.Start, err = time.Parse(time.DateOnly, fields[0]); err != nil {
			return errors.Wrap(err, "from")
		}
	}

	if len(fields) > 1 {
		if r.End, err = time.Parse(time.DateOnly, fields[1]); err != nil {
			return errors.Wrap(err, "to")
		}

		r.End = r.End.Add(24*time.Hour - time.Nanosecond)
	}

	if err := c.chat.LoadHistory(ctx, open, r); err != nil {
		return err
	}

	c.printMessages(open)

	return nil
}

func (c *Console) printConversations() {
	for _, conv := range c.chat.Conversations() {
		peer := conv.Peer(c.localID)
		name := peer

		if conv.OtherUser != nil {
			peer = conv.OtherUser.ID
			name = conv.OtherUser.DisplayName()
		}

		mark := " "
		if c.presence.IsOnline(peer) {
			mark = "*"
		}

		pin := ""
		if conv.Pinned {
			pin = " [pinned]"
		}

		last := ""
		if conv.LastMessage != nil {
			last = preview(*conv.LastMessage)
		}

		c.printf("%s %-24s %-16s%s %s\n", mark, conv.ID, name, pin, last)
	}
}

func (c *Console) printMessages(conversationID string) {
	if conversationID == "" {
		return
	}

	msgs := c.chat.Messages(conversationID)

	for _, m := range msgs {
		c.printMessage(m)
	}

	if len(msgs) > 0 {
		c.printedMx.Lock()
		c.printed[conversationID] = msgs[len(msgs)-1].ID
		c.printedMx.Unlock()
	}
}

func (c *Console) printMessage(m types.Message) {
	status := c.chat.Status(m)
	if status != "" {
		status = " (" + status + ")"
	}

	c.printf("%s %s: %s%s\n", m.Timestamp.Local().Format(time.TimeOnly), m.SenderID, preview(m), status)
}

func (c *Console) onChatChange(conversationID string) {
	if conversationID != c.chat.OpenConversationID() {
		return
	}

	msgs := c.chat.Messages(conversationID)
	if len(msgs) == 0 {
		return
	}

	last := msgs[len(msgs)-1]

	c.printedMx.Lock()
	seen := c.printed[conversationID] == last.ID
	c.printed[conversationID] = last.ID
	c.printedMx.Unlock()

	if !seen {
		c.printMessage(last)
	}
}

func (c *Console) onCallChange(s call.Snapshot) {
	switch {
	case s.ID == "":
		c.printf("call: idle\n")
	case s.Pending:
		c.printf("call: preparing %s call to %s\n", s.Kind, s.PeerName)
	case s.State == call.StateActive:
		c.printf("call: %s %s call with %s for %s (mic %s, camera %s)\n", s.State, s.Kind, s.PeerName,
			s.Elapsed(time.Now()).Round(time.Second), onOff(!s.MutedAudio), onOff(s.HasVideo && !s.MutedVideo))
	default:
		c.printf("call: %s %s call with %s (mic %s, camera %s)\n", s.State, s.Kind, s.PeerName,
			onOff(!s.MutedAudio), onOff(s.HasVideo && !s.MutedVideo))
	}
}

func (c *Console) onTypingChange(conversationID, userID string) {
	if userID != "" {
		c.printf("%s is typing...\n", userID)
	}
}

// fail shows err and signs out when the server rejected the identity.
func (c *Console) fail(err error) {
	if n := c.notices.Error(err); n.SignOut && c.signOut != nil {
		c.signOut(err)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMx.Lock()
	defer c.outMx.Unlock()

	fmt.Fprintf(c.out, format, args...)
}

func preview(m types.Message) string {
	if m.Kind != "" && m.Kind != types.ContentText {
		name := m.FileName
		if name == "" {
			name = string(m.Kind)
		}

		return "[" + name + "]"
	}

	const limit = 60

	if utf8.RuneCountInString(m.Content) > limit {
		return string([]rune(m.Content)[:limit]) + "..."
	}

	return m.Content
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
