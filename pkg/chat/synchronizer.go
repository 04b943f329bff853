// Package chat keeps the local view of conversations and their messages
// consistent with the server: optimistic sends are reconciled in place with
// the authoritative echo, duplicates are dropped and read state only grows.
package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chatlink/pkg/log"
	"chatlink/pkg/metrics"
	"chatlink/pkg/signal"
	"chatlink/pkg/types"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
)

const (
	defaultReconcileWindow = 2 * time.Minute

	tempIDPrefix = "tmp_"
)

type Sender interface {
	Send(name signal.EventName, payload any) error
}

// History is the server side store of conversations and messages.
type History interface {
	Conversations(ctx context.Context) ([]types.Conversation, error)
	Messages(ctx context.Context, conversationID string, r types.DateRange) ([]types.Message, error)
}

type Blocklist interface {
	Blocked(userID string) bool
}

type Prefs interface {
	ReadReceipts() bool
}

// Notifier is told about every message that arrives from someone else.
type Notifier interface {
	Notify(conv types.Conversation, msg types.Message)
}

type SynchronizerConfig struct {
	LocalUserID string
	// ReconcileWindow is the largest distance between the local send time and
	// the server timestamp for an echo to match an optimistic entry.
	ReconcileWindow time.Duration
}

type Synchronizer struct {
	cfg       SynchronizerConfig
	sender    Sender
	history   History
	blocklist Blocklist
	prefs     Prefs
	notifier  Notifier

	mu       sync.Mutex
	convs    map[string]*types.Conversation
	messages map[string][]*types.Message
	open     string

	observersMx sync.Mutex
	observers   []func(conversationID string)
}

func NewSynchronizer(cfg SynchronizerConfig, sender Sender, history History, blocklist Blocklist, prefs Prefs, notifier Notifier) *Synchronizer {
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = defaultReconcileWindow
	}

	return &Synchronizer{
		cfg:       cfg,
		sender:    sender,
		history:   history,
		blocklist: blocklist,
		prefs:     prefs,
		notifier:  notifier,
		convs:     make(map[string]*types.Conversation),
		messages:  make(map[string][]*types.Message),
	}
}

// OnChange registers an observer called with the id of every conversation
// whose messages or metadata changed.
func (s *Synchronizer) OnChange(fn func(conversationID string)) {
	s.observersMx.Lock()
	s.observers = append(s.observers, fn)
	s.observersMx.Unlock()
}

// SendMessage appends an optimistic entry and emits send_message. When the
// channel is down the entry stays, marked Failed, and the error is returned.
func (s *Synchronizer) SendMessage(conversationID, content string, kind types.ContentKind) (types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, ErrEmptyMessage
	}

	if kind == "" {
		kind = types.ContentText
	}

	s.mu.Lock()

	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()

		return types.Message{}, errors.Wrap(ErrUnknownConversation, conversationID)
	}

	if peer := conv.Peer(s.cfg.LocalUserID); peer != "" && s.blocklist != nil && s.blocklist.Blocked(peer) {
		s.mu.Unlock()

		return types.Message{}, errors.Wrap(ErrBlocked, peer)
	}

	id, err := shortid.Generate()
	if err != nil {
		s.mu.Unlock()

		return types.Message{}, errors.Wrap(err, "temporary id")
	}

	msg := &types.Message{
		ID:             tempIDPrefix + id,
		ConversationID: conversationID,
		SenderID:       s.cfg.LocalUserID,
		Content:        content,
		Kind:           kind,
		Timestamp:      time.Now().UTC(),
		ReadBy:         []string{s.cfg.LocalUserID},
		Pending:        true,
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.touchLocked(conv, msg)

	err = s.sender.Send(signal.EventSendMessage, signal.SendMessage{
		ConversationID: conversationID,
		Content:        content,
		Kind:           kind,
	})
	if err != nil {
		msg.Failed = true
	}

	out := msg.Clone()
	s.mu.Unlock()

	logger := log.Component("chat").WithField("conversation", conversationID)

	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("failed").Inc()
		logger.Warnf("send %s (%d bytes) failed: %v", out.ID, len(content), err)
	} else {
		metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
		logger.Debugf("sent %s (%d bytes)", out.ID, len(content))
	}

	s.notify(conversationID)

	return out, err
}

// Resend emits a Failed optimistic entry again. Nothing is replayed
// automatically after a reconnect.
func (s *Synchronizer) Resend(conversationID, tempID string) error {
	s.mu.Lock()

	msg := findLocked(s.messages[conversationID], tempID)
	if msg == nil || !msg.Pending || !msg.Failed {
		s.mu.Unlock()

		return errors.Wrap(ErrNotResendable, tempID)
	}

	err := s.sender.Send(signal.EventSendMessage, signal.SendMessage{
		ConversationID: conversationID,
		Content:        msg.Content,
		Kind:           msg.Kind,
		FileName:       msg.FileName,
	})
	if err == nil {
		msg.Failed = false
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Unlock()

	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("failed").Inc()

		return err
	}

	metrics.MessagesSentTotal.WithLabelValues("resent").Inc()
	s.notify(conversationID)

	return nil
}

// HandleNewMessage applies an authoritative broadcast. A message already
// present by id only merges its read state; an echo of a local send replaces
// the oldest matching optimistic entry in place; anything else is appended in
// arrival order.
func (s *Synchronizer) HandleNewMessage(m types.Message) {
	if m.ID == "" || m.ConversationID == "" {
		log.Component("chat").Warn("dropping message without id or conversation")

		return
	}

	m.Pending, m.Failed = false, false

	s.mu.Lock()

	list := s.messages[m.ConversationID]
	result := "appended"

	if existing := findLocked(list, m.ID); existing != nil {
		existing.MergeReadBy(m.ReadBy)
		result = "duplicate"
	} else if pending := s.matchPendingLocked(list, m); pending != nil {
		readBy := pending.ReadBy
		*pending = m.Clone()
		pending.MergeReadBy(readBy)
		result = "reconciled"
	} else {
		msg := m.Clone()
		s.messages[m.ConversationID] = append(list, &msg)
	}

	conv, ok := s.convs[m.ConversationID]
	if !ok {
		conv = &types.Conversation{
			ID:           m.ConversationID,
			Participants: participants(s.cfg.LocalUserID, m.SenderID),
		}
		s.convs[m.ConversationID] = conv
	}

	if result != "duplicate" {
		s.touchLocked(conv, &m)
	}

	remote := m.SenderID != s.cfg.LocalUserID
	receipt := remote && result != "duplicate" && s.open == m.ConversationID &&
		(s.prefs == nil || s.prefs.ReadReceipts())
	convCopy := conv.Clone()

	s.mu.Unlock()

	metrics.MessagesReceivedTotal.WithLabelValues(result).Inc()
	log.Component("chat").WithField("conversation", m.ConversationID).Debugf("message %s %s", m.ID, result)

	if remote && result != "duplicate" && s.notifier != nil {
		s.notifier.Notify(convCopy, m)
	}

	if receipt {
		s.sendReceipt(m)
	}

	s.notify(m.ConversationID)
}

// HandleMessageRead grows the read state of the referenced message. The
// broadcast may omit the conversation, in which case every list is searched.
func (s *Synchronizer) HandleMessageRead(ev signal.MessageReadBy) {
	s.mu.Lock()

	var (
		msg    *types.Message
		convID = ev.ConversationID
	)

	if convID != "" {
		msg = findLocked(s.messages[convID], ev.MessageID)
	} else {
		for id, list := range s.messages {
			if msg = findLocked(list, ev.MessageID); msg != nil {
				convID = id

				break
			}
		}
	}

	changed := msg != nil && msg.MarkRead(ev.UserID)
	s.mu.Unlock()

	if changed {
		s.notify(convID)
	}
}

// OpenConversation makes id the open conversation, joins its room and loads
// its history.
func (s *Synchronizer) OpenConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	s.open = id
	s.mu.Unlock()

	if err := s.sender.Send(signal.EventJoinConversation, signal.JoinConversation{ConversationID: id}); err != nil {
		log.Component("chat").Warnf("join %s: %v", id, err)
	}

	return s.LoadHistory(ctx, id, types.DateRange{})
}

// LoadHistory merges the server history into the list of id. Server order
// wins for the messages it returns; read state learned locally is kept.
// Messages the snapshot lacks stay in their arrival position unless the date
// range excludes them, and optimistic entries the server has not echoed yet
// are kept too.
func (s *Synchronizer) LoadHistory(ctx context.Context, id string, r types.DateRange) error {
	history, err := s.history.Messages(ctx, id, r)
	if err != nil {
		return errors.Wrapf(err, "load history of %s", id)
	}

	s.mu.Lock()

	old := s.messages[id]

	known := make(map[string]*types.Message, len(old))
	for _, m := range old {
		if !m.Pending {
			known[m.ID] = m
		}
	}

	list := make([]*types.Message, 0, len(history)+len(old))
	seen := make(map[string]bool, len(history))

	for i := range history {
		if seen[history[i].ID] {
			continue
		}

		seen[history[i].ID] = true

		msg := history[i].Clone()
		if prev, ok := known[msg.ID]; ok {
			msg.MergeReadBy(prev.ReadBy)
		}

		list = append(list, &msg)
	}

	claimed := make(map[string]bool)
	for msgID := range known {
		if seen[msgID] {
			claimed[msgID] = true
		}
	}

	var anchor *types.Message

	for _, m := range old {
		switch {
		case seen[m.ID]:
			anchor = findLocked(list, m.ID)
		case m.Pending:
			if echo := s.echoOf(list, m, claimed); echo != nil {
				claimed[echo.ID] = true
				echo.MergeReadBy(m.ReadBy)
				anchor = echo

				continue
			}

			list = insertAfter(list, anchor, m)
			anchor = m
		case r.Contains(m.Timestamp):
			list = insertAfter(list, anchor, m)
			anchor = m
		}
	}

	s.messages[id] = list

	if _, ok := s.convs[id]; !ok {
		s.convs[id] = &types.Conversation{ID: id}
	}

	s.mu.Unlock()

	s.notify(id)

	return nil
}

// RefreshConversations merges the server conversation list with local state.
// For each conversation the newer updatedAt wins.
func (s *Synchronizer) RefreshConversations(ctx context.Context) error {
	convs, err := s.history.Conversations(ctx)
	if err != nil {
		return errors.Wrap(err, "load conversations")
	}

	s.mu.Lock()

	for i := range convs {
		remote := convs[i].Clone()

		local, ok := s.convs[remote.ID]
		if ok && local.UpdatedAt.After(remote.UpdatedAt) {
			remote.LastMessage = local.LastMessage
			remote.UpdatedAt = local.UpdatedAt
		}

		s.convs[remote.ID] = &remote
	}

	s.mu.Unlock()

	for i := range convs {
		s.notify(convs[i].ID)
	}

	return nil
}

// ClearConversation drops the local list of id after the server cleared it.
func (s *Synchronizer) ClearConversation(id string) {
	s.mu.Lock()

	delete(s.messages, id)

	if conv, ok := s.convs[id]; ok {
		conv.LastMessage = nil
	}

	s.mu.Unlock()

	s.notify(id)
}

// Conversations returns the conversation list, pinned first, then by
// updatedAt descending.
func (s *Synchronizer) Conversations() []types.Conversation {
	s.mu.Lock()

	out := make([]types.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}

	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// Messages returns the list of a conversation in arrival order.
func (s *Synchronizer) Messages(conversationID string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	out := make([]types.Message, len(list))

	for i, m := range list {
		out[i] = m.Clone()
	}

	return out
}

func (s *Synchronizer) OpenConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open
}

// Status is "read" for a local message someone else has read, "sent" for
// any other local message, "failed" or "sending" for optimistic entries, and
// empty for messages of other users.
func (s *Synchronizer) Status(m types.Message) string {
	if m.SenderID != s.cfg.LocalUserID {
		return ""
	}

	switch {
	case m.Failed:
		return "failed"
	case m.Pending:
		return "sending"
	}

	for _, id := range m.ReadBy {
		if id != m.SenderID {
			return "read"
		}
	}

	return "sent"
}

func (s *Synchronizer) sendReceipt(m types.Message) {
	err := s.sender.Send(signal.EventMessageRead, signal.MessageRead{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
	})
	if err != nil {
		log.Component("chat").Debugf("read receipt for %s: %v", m.ID, err)

		return
	}

	metrics.ReadReceiptsSentTotal.Inc()
}

// matchPendingLocked finds the oldest optimistic entry m may be the echo of.
func (s *Synchronizer) matchPendingLocked(list []*types.Message, m types.Message) *types.Message {
	for _, p := range list {
		if p.Pending && !p.Failed && s.matches(p, &m) {
			return p
		}
	}

	return nil
}

// echoOf finds an unclaimed authoritative message in list matching the
// optimistic entry p.
func (s *Synchronizer) echoOf(list []*types.Message, p *types.Message, claimed map[string]bool) *types.Message {
	for _, m := range list {
		if !claimed[m.ID] && s.matches(p, m) {
			return m
		}
	}

	return nil
}

// matches correlates an optimistic entry with an authoritative message by
// sender, conversation, content and send time.
func (s *Synchronizer) matches(p, m *types.Message) bool {
	if m.SenderID != s.cfg.LocalUserID || p.SenderID != s.cfg.LocalUserID {
		return false
	}

	if p.ConversationID != m.ConversationID || p.Content != m.Content || p.Kind != m.Kind {
		return false
	}

	if m.Timestamp.IsZero() {
		return true
	}

	return absDuration(m.Timestamp.Sub(p.Timestamp)) <= s.cfg.ReconcileWindow
}

func (s *Synchronizer) touchLocked(conv *types.Conversation, m *types.Message) {
	last := m.Clone()
	conv.LastMessage = &last

	at := m.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
}

func (s *Synchronizer) notify(conversationID string) {
	s.observersMx.Lock()
	observers := append(([]func(string))(nil), s.observers...)
	s.observersMx.Unlock()

	for _, fn := range observers {
		fn(conversationID)
	}
}

func findLocked(list []*types.Message, id string) *types.Message {
	for _, m := range list {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// insertAfter puts m right after anchor, or first when anchor is nil.
func insertAfter(list []*types.Message, anchor, m *types.Message) []*types.Message {
	at := 0

	for i, e := range list {
		if e == anchor {
			at = i + 1

			break
		}
	}

	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = m

	return list
}

func participants(local, other string) []string {
	if other == "" || other == local {
		return []string{local}
	}
	return []string{local, other}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
