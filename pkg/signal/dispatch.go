package signal

// Handler reacts to every inbound event kind. Adding a kind to the catalog
// adds a method here, so every handler has to deal with it before the tree
// compiles again.
type Handler interface {
	OnConnected(Connected)
	OnDisconnected(Disconnected)
	OnIncomingCall(IncomingCall)
	OnCallAccepted(CallAccepted)
	OnCallRejected(CallRejected)
	OnCallEnded(CallEnded)
	OnICECandidate(ICECandidate)
	OnNewMessage(NewMessage)
	OnUserTyping(UserTyping)
	OnMessageRead(MessageReadBy)
	OnUserOnline(UserOnline)
	OnUserOffline(UserOffline)
	OnServerError(ServerError)
}

// Dispatch routes ev to the matching Handler method.
func Dispatch(ev Event, h Handler) {
	switch e := ev.(type) {
	case Connected:
		h.OnConnected(e)
	case Disconnected:
		h.OnDisconnected(e)
	case IncomingCall:
		h.OnIncomingCall(e)
	case CallAccepted:
		h.OnCallAccepted(e)
	case CallRejected:
		h.OnCallRejected(e)
	case CallEnded:
		h.OnCallEnded(e)
	case ICECandidate:
		h.OnICECandidate(e)
	case NewMessage:
		h.OnNewMessage(e)
	case UserTyping:
		h.OnUserTyping(e)
	case MessageReadBy:
		h.OnMessageRead(e)
	case UserOnline:
		h.OnUserOnline(e)
	case UserOffline:
		h.OnUserOffline(e)
	case ServerError:
		h.OnServerError(e)
	}
}
