package internal

import (
	"context"
	"time"

	"chatlink/pkg/call"
	"chatlink/pkg/chat"
	"chatlink/pkg/log"
	"chatlink/pkg/notify"
	"chatlink/pkg/presence"
	"chatlink/pkg/signal"
	"chatlink/pkg/typing"

	"github.com/pkg/errors"
)

const refreshTimeout = 10 * time.Second

// Router applies inbound channel events to the components, one at a time in
// arrival order.
type Router struct {
	ctx context.Context

	calls    *call.Controller
	chat     *chat.Synchronizer
	typing   *typing.Debouncer
	presence *presence.Tracker
	notices  *notify.Center

	signOut func(error)
}

var _ signal.Handler = (*Router)(nil)

func NewRouter(ctx context.Context, calls *call.Controller, synchronizer *chat.Synchronizer, debouncer *typing.Debouncer,
	tracker *presence.Tracker, notices *notify.Center, signOut func(error),
) *Router {
	return &Router{
		ctx:      ctx,
		calls:    calls,
		chat:     synchronizer,
		typing:   debouncer,
		presence: tracker,
		notices:  notices,
		signOut:  signOut,
	}
}

// Serve dispatches events until the channel is closed.
func (r *Router) Serve(events <-chan signal.Event) {
	for ev := range events {
		signal.Dispatch(ev, r)
	}
}

// OnConnected starts presence over and catches up on what was missed while
// disconnected.
func (r *Router) OnConnected(signal.Connected) {
	r.presence.Reset()

	ctx, cancel := context.WithTimeout(r.ctx, refreshTimeout)
	defer cancel()

	if err := r.chat.RefreshConversations(ctx); err != nil {
		r.report(err)
	}

	if open := r.chat.OpenConversationID(); open != "" {
		if err := r.chat.OpenConversation(ctx, open); err != nil {
			r.report(err)
		}
	}
}

func (r *Router) OnDisconnected(ev signal.Disconnected) {
	r.notices.Publish(notify.Notice{Level: notify.LevelWarning, Text: "Connection lost, reconnecting"})
}

func (r *Router) OnIncomingCall(ev signal.IncomingCall) {
	if err := r.calls.HandleIncoming(ev); err != nil {
		if errors.Is(err, call.ErrBusy) {
			r.notices.Publish(notify.Notice{
				Level: notify.LevelInfo,
				Text:  "Missed call from " + ev.Caller.DisplayName() + " while busy",
			})

			return
		}

		r.report(err)
	}
}

func (r *Router) OnCallAccepted(ev signal.CallAccepted) {
	r.calls.HandleAccepted(ev)
}

func (r *Router) OnCallRejected(signal.CallRejected) {
	r.calls.HandleRejected()
}

func (r *Router) OnCallEnded(signal.CallEnded) {
	r.calls.HandleEnded()
}

func (r *Router) OnICECandidate(ev signal.ICECandidate) {
	r.calls.HandleCandidate(ev)
}

func (r *Router) OnNewMessage(ev signal.NewMessage) {
	r.typing.Clear(ev.ConversationID)
	r.chat.HandleNewMessage(ev.Message)
}

func (r *Router) OnUserTyping(ev signal.UserTyping) {
	r.typing.HandleUserTyping(ev)
}

func (r *Router) OnMessageRead(ev signal.MessageReadBy) {
	r.chat.HandleMessageRead(ev)
}

func (r *Router) OnUserOnline(ev signal.UserOnline) {
	r.presence.SetOnline(ev.UserID)
}

func (r *Router) OnUserOffline(ev signal.UserOffline) {
	r.presence.SetOffline(ev.UserID)
}

func (r *Router) OnServerError(ev signal.ServerError) {
	log.Component("router").Warnf("server error: %s", ev.Message)
	r.notices.Publish(notify.Notice{Level: notify.LevelWarning, Text: ev.Message})
}

func (r *Router) report(err error) {
	n := r.notices.Error(err)

	if n.SignOut && r.signOut != nil {
		r.signOut(err)
	}
}
