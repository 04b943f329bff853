package types

import (
	"time"
)

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentLocation ContentKind = "location"
)

type User struct {
	ID           string   `json:"user_id"`
	Username     string   `json:"username,omitempty"`
	RealName     string   `json:"real_name,omitempty"`
	ProfilePhoto string   `json:"profile_photo,omitempty"`
	OnlineStatus string   `json:"online_status,omitempty"`
	BlockedUsers []string `json:"blocked_users,omitempty"`
}

// DisplayName prefers the real name over the username.
func (u User) DisplayName() string {
	if u.RealName != "" {
		return u.RealName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

type Message struct {
	ID             string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           ContentKind `json:"message_type"`
	FileName       string      `json:"file_name,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	ReadBy         []string    `json:"read_by"`

	// Pending is set on optimistic entries until the authoritative echo replaces them.
	Pending bool `json:"-"`
	// Failed is set on optimistic entries whose send could not be emitted.
	Failed bool `json:"-"`
}

// ReadByUser reports whether userID is in ReadBy.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MarkRead adds userID to ReadBy. ReadBy only grows.
func (m *Message) MarkRead(userID string) bool {
	if userID == "" || m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// MergeReadBy adds every id of other to ReadBy, keeping existing entries.
func (m *Message) MergeReadBy(other []string) {
	for _, id := range other {
		m.MarkRead(id)
	}
}

func (m Message) Clone() Message {
	c := m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	return c
}

type Conversation struct {
	ID           string    `json:"conversation_id"`
	Participants []string  `json:"participants"`
	OtherUser    *User     `json:"other_user,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	Pinned       bool      `json:"is_pinned"`
}

// Peer returns the participant that is not localID.
func (c Conversation) Peer(localID string) string {
	if c.OtherUser != nil && c.OtherUser.ID != "" {
		return c.OtherUser.ID
	}
	for _, p := range c.Participants {
		if p != localID {
			return p
		}
	}
	return ""
}

func (c Conversation) Clone() Conversation {
	cc := c
	cc.Participants = append([]string(nil), c.Participants...)
	if c.OtherUser != nil {
		u := *c.OtherUser
		cc.OtherUser = &u
	}
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		cc.LastMessage = &m
	}
	return cc
}

// DateRange filters message history. Zero values are open ends.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range, ends included.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}
