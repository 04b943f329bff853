package signal

import (
	"encoding/json"

	"chatlink/pkg/types"
)

type EventName string

// Outbound events.
const (
	EventCallUser         EventName = "call_user"
	EventAcceptCall       EventName = "accept_call"
	EventRejectCall       EventName = "reject_call"
	EventEndCall          EventName = "end_call"
	EventSendMessage      EventName = "send_message"
	EventTyping           EventName = "typing"
	EventJoinConversation EventName = "join_conversation"
)

// Inbound events.
const (
	EventIncomingCall EventName = "incoming_call"
	EventCallAccepted EventName = "call_accepted"
	EventCallRejected EventName = "call_rejected"
	EventCallEnded    EventName = "call_ended"
	EventNewMessage   EventName = "new_message"
	EventUserTyping   EventName = "user_typing"
	EventUserOnline   EventName = "user_online"
	EventUserOffline  EventName = "user_offline"
	EventError        EventName = "error"
)

// Local notifications raised by the client itself, never sent on the wire.
const (
	EventConnect    EventName = "connect"
	EventDisconnect EventName = "disconnect"
)

// Bidirectional events.
const (
	EventICECandidate EventName = "ice_candidate"
	EventMessageRead  EventName = "message_read"
)

// Frame is the wire representation of one event.
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound payloads.

type CallUser struct {
	CalleeID string          `json:"callee_id"`
	Signal   json.RawMessage `json:"signal"`
	CallType types.CallKind  `json:"call_type"`
}

type AcceptCall struct {
	CallerID string          `json:"caller_id"`
	Signal   json.RawMessage `json:"signal"`
}

type RejectCall struct {
	CallerID string `json:"caller_id"`
}

type EndCall struct {
	OtherUserID string `json:"other_user_id"`
}

type SendMessage struct {
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	Kind           types.ContentKind `json:"message_type"`
	FileName       string            `json:"file_name,omitempty"`
}

type Typing struct {
	ConversationID string `json:"conversation_id"`
}

type MessageRead struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type JoinConversation struct {
	ConversationID string `json:"conversation_id"`
}

// Event is an inbound event. The set of implementations is closed: every one
// of them has a method on Handler.
type Event interface {
	Name() EventName
	sealed()
}

// Connected is emitted by the client each time the channel (re)connects.
type Connected struct{}

// Disconnected is emitted by the client when an established connection drops.
type Disconnected struct {
	Err error `json:"-"`
}

type IncomingCall struct {
	Caller   types.User      `json:"caller"`
	CallerID string          `json:"caller_id"`
	Signal   json.RawMessage `json:"signal"`
	CallType types.CallKind  `json:"call_type"`
}

type CallAccepted struct {
	CalleeID string          `json:"callee_id"`
	Signal   json.RawMessage `json:"signal"`
}

type CallRejected struct{}

type CallEnded struct{}

type ICECandidate struct {
	Candidate json.RawMessage `json:"candidate"`
}

type NewMessage struct {
	types.Message
}

type UserTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type MessageReadBy struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
}

type UserOnline struct {
	UserID string `json:"user_id"`
}

type UserOffline struct {
	UserID string `json:"user_id"`
}

type ServerError struct {
	Message string `json:"message"`
}

func (Connected) Name() EventName     { return EventConnect }
func (Disconnected) Name() EventName  { return EventDisconnect }
func (IncomingCall) Name() EventName  { return EventIncomingCall }
func (CallAccepted) Name() EventName  { return EventCallAccepted }
func (CallRejected) Name() EventName  { return EventCallRejected }
func (CallEnded) Name() EventName     { return EventCallEnded }
func (ICECandidate) Name() EventName  { return EventICECandidate }
func (NewMessage) Name() EventName    { return EventNewMessage }
func (UserTyping) Name() EventName    { return EventUserTyping }
func (MessageReadBy) Name() EventName { return EventMessageRead }
func (UserOnline) Name() EventName    { return EventUserOnline }
func (UserOffline) Name() EventName   { return EventUserOffline }
func (ServerError) Name() EventName   { return EventError }

func (Connected) sealed()     {}
func (Disconnected) sealed()  {}
func (IncomingCall) sealed()  {}
func (CallAccepted) sealed()  {}
func (CallRejected) sealed()  {}
func (CallEnded) sealed()     {}
func (ICECandidate) sealed()  {}
func (NewMessage) sealed()    {}
func (UserTyping) sealed()    {}
func (MessageReadBy) sealed() {}
func (UserOnline) sealed()    {}
func (UserOffline) sealed()   {}
func (ServerError) sealed()   {}
