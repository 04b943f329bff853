package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"chatlink/pkg/signal"
	"chatlink/pkg/types"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "alice"
	bob   = "bob"
	conv  = "conv_ab"
)

type sent struct {
	name    signal.EventName
	payload any
}

type fakeSender struct {
	mu     sync.Mutex
	events []sent
	err    error
}

func (f *fakeSender) Send(name signal.EventName, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.events = append(f.events, sent{name, payload})

	return nil
}

func (f *fakeSender) named(name signal.EventName) []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []any
	for _, e := range f.events {
		if e.name == name {
			out = append(out, e.payload)
		}
	}
	return out
}

type fakeHistory struct {
	convs     []types.Conversation
	messages  map[string][]types.Message
	lastRange types.DateRange
	err       error
}

func (h *fakeHistory) Conversations(context.Context) ([]types.Conversation, error) {
	return h.convs, h.err
}

func (h *fakeHistory) Messages(_ context.Context, id string, r types.DateRange) ([]types.Message, error) {
	h.lastRange = r
	return h.messages[id], h.err
}

type blocked map[string]bool

func (b blocked) Blocked(id string) bool {
	return b[id]
}

type prefs bool

func (p prefs) ReadReceipts() bool {
	return bool(p)
}

type notifier struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (n *notifier) Notify(_ types.Conversation, m types.Message) {
	n.mu.Lock()
	n.msgs = append(n.msgs, m)
	n.mu.Unlock()
}

type fixture struct {
	s        *Synchronizer
	sender   *fakeSender
	history  *fakeHistory
	notifier *notifier
}

func newFixture(t *testing.T, receipts bool) *fixture {
	t.Helper()

	f := &fixture{
		sender: &fakeSender{},
		history: &fakeHistory{
			convs: []types.Conversation{
				{ID: conv, Participants: []string{alice, bob}, UpdatedAt: time.Now().Add(-time.Hour)},
				{ID: "conv_am", Participants: []string{alice, "mallory"}},
			},
			messages: map[string][]types.Message{},
		},
		notifier: &notifier{},
	}

	f.s = NewSynchronizer(SynchronizerConfig{LocalUserID: alice}, f.sender, f.history,
		blocked{"mallory": true}, prefs(receipts), f.notifier)

	require.NoError(t, f.s.RefreshConversations(context.Background()))

	return f
}

func echo(m types.Message, id string) types.Message {
	return types.Message{
		ID:             id,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           m.Kind,
		Timestamp:      m.Timestamp.Add(150 * time.Millisecond),
		ReadBy:         []string{m.SenderID},
	}
}

func TestSendMessage_ReconcilesEcho(t *testing.T) {
	f := newFixture(t, true)

	tmp, err := f.s.SendMessage(conv, "hi", types.ContentText)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tmp.ID, "tmp_"))
	assert.True(t, tmp.Pending)
	assert.Equal(t, "sending", f.s.Status(tmp))

	payloads := f.sender.named(signal.EventSendMessage)
	require.Len(t, payloads, 1)
	assert.Equal(t, signal.SendMessage{ConversationID: conv, Content: "hi", Kind: types.ContentText}, payloads[0])

	f.s.HandleNewMessage(echo(tmp, "m_42"))

	msgs := f.s.Messages(conv)
	require.Len(t, msgs, 1, "exactly one bubble after reconciliation")
	assert.Equal(t, "m_42", msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.False(t, msgs[0].Pending)
	assert.Equal(t, "sent", f.s.Status(msgs[0]))

	f.notifier.mu.Lock()
	assert.Empty(t, f.notifier.msgs, "own messages do not notify")
	f.notifier.mu.Unlock()
}

func TestSendMessage_ReconcilesOldestFirst(t *testing.T) {
	f := newFixture(t, true)

	first, err := f.s.SendMessage(conv, "ok", types.ContentText)
	require.NoError(t, err)
	second, err := f.s.SendMessage(conv, "ok", types.ContentText)
	require.NoError(t, err)

	f.s.HandleNewMessage(echo(first, "m_1"))

	msgs := f.s.Messages(conv)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m_1", msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
	assert.True(t, msgs[1].Pending)

	f.s.HandleNewMessage(echo(second, "m_2"))

	msgs = f.s.Messages(conv)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m_2", msgs[1].ID)
}

func TestSendMessage_OutsideWindowAppends(t *testing.T) {
	f := newFixture(t, true)

	tmp, err := f.s.SendMessage(conv, "hi", types.ContentText)
	require.NoError(t, err)

	late := echo(tmp, "m_old")
	late.Timestamp = tmp.Timestamp.Add(-time.Hour)

	f.s.HandleNewMessage(late)

	assert.Len(t, f.s.Messages(conv), 2)
}

func TestHandleNewMessage_Duplicates(t *testing.T) {
	f := newFixture(t, false)

	m := types.Message{ID: "m_1", ConversationID: conv, SenderID: bob, Content: "yo", Kind: types.ContentText, Timestamp: time.Now(), ReadBy: []string{bob}}

	f.s.HandleNewMessage(m)
	f.s.HandleNewMessage(m)

	again := m
	again.ReadBy = []string{bob, alice}
	f.s.HandleNewMessage(again)

	msgs := f.s.Messages(conv)
	require.Len(t, msgs, 1)
	assert.ElementsMatch(t, []string{bob, alice}, msgs[0].ReadBy)

	f.notifier.mu.Lock()
	assert.Len(t, f.notifier.msgs, 1)
	f.notifier.mu.Unlock()
}

func TestHandleNewMessage_ArrivalOrder(t *testing.T) {
	f := newFixture(t, false)

	now := time.Now()
	f.s.HandleNewMessage(types.Message{ID: "m_2", ConversationID: conv, SenderID: bob, Content: "second", Timestamp: now})
	f.s.HandleNewMessage(types.Message{ID: "m_1", ConversationID: conv, SenderID: bob, Content: "first", Timestamp: now.Add(-time.Minute)})

	msgs := f.s.Messages(conv)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m_2", msgs[0].ID)
	assert.Equal(t, "m_1", msgs[1].ID)
}

func TestHandleNewMessage_ReadReceipts(t *testing.T) {
	incoming := types.Message{ID: "m_7", ConversationID: conv, SenderID: bob, Content: "hello", Timestamp: time.Now()}

	t.Run("open conversation with receipts on", func(t *testing.T) {
		f := newFixture(t, true)
		require.NoError(t, f.s.OpenConversation(context.Background(), conv))

		f.s.HandleNewMessage(incoming)

		receipts := f.sender.named(signal.EventMessageRead)
		require.Len(t, receipts, 1)
		assert.Equal(t, signal.MessageRead{MessageID: "m_7", ConversationID: conv}, receipts[0])
	})

	t.Run("receipts off", func(t *testing.T) {
		f := newFixture(t, false)
		require.NoError(t, f.s.OpenConversation(context.Background(), conv))

		f.s.HandleNewMessage(incoming)

		assert.Empty(t, f.sender.named(signal.EventMessageRead))
	})

	t.Run("other conversation open", func(t *testing.T) {
		f := newFixture(t, true)
		require.NoError(t, f.s.OpenConversation(context.Background(), "conv_am"))

		f.s.HandleNewMessage(incoming)

		assert.Empty(t, f.sender.named(signal.EventMessageRead))
	})
}

func TestHandleMessageRead_Monotonic(t *testing.T) {
	f := newFixture(t, true)

	tmp, err := f.s.SendMessage(conv, "seen?", types.ContentText)
	require.NoError(t, err)
	f.s.HandleNewMessage(echo(tmp, "m_9"))

	f.s.HandleMessageRead(signal.MessageReadBy{MessageID: "m_9", UserID: bob})

	msgs := f.s.Messages(conv)
	assert.Equal(t, []string{alice, bob}, msgs[0].ReadBy)
	assert.Equal(t, "read", f.s.Status(msgs[0]))

	// A stale broadcast never shrinks readBy.
	f.s.HandleNewMessage(echo(tmp, "m_9"))
	f.s.HandleMessageRead(signal.MessageReadBy{MessageID: "m_9", ConversationID: conv, UserID: bob})

	msgs = f.s.Messages(conv)
	assert.Equal(t, []string{alice, bob}, msgs[0].ReadBy)
}

func TestSendMessage_Gates(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.s.SendMessage(conv, "   ", types.ContentText)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.s.SendMessage("nope", "hi", types.ContentText)
	assert.ErrorIs(t, err, ErrUnknownConversation)

	_, err = f.s.SendMessage("conv_am", "hi", types.ContentText)
	assert.ErrorIs(t, err, ErrBlocked)

	assert.Empty(t, f.sender.named(signal.EventSendMessage))
	assert.Empty(t, f.s.Messages("conv_am"))
}

func TestSendMessage_ChannelUnavailable(t *testing.T) {
	f := newFixture(t, true)
	f.sender.err = errors.Wrap(signal.ErrChannelUnavailable, "send_message")

	tmp, err := f.s.SendMessage(conv, "offline", types.ContentText)
	require.ErrorIs(t, err, signal.ErrChannelUnavailable)
	assert.True(t, tmp.Failed)
	assert.Equal(t, "failed", f.s.Status(tmp))

	msgs := f.s.Messages(conv)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Failed)

	assert.ErrorIs(t, f.s.Resend(conv, tmp.ID), signal.ErrChannelUnavailable)

	f.sender.mu.Lock()
	f.sender.err = nil
	f.sender.mu.Unlock()

	require.NoError(t, f.s.Resend(conv, tmp.ID))
	assert.False(t, f.s.Messages(conv)[0].Failed)
	assert.Len(t, f.sender.named(signal.EventSendMessage), 1)

	assert.ErrorIs(t, f.s.Resend(conv, tmp.ID), ErrNotResendable)
}

func TestConversations_Order(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.s.SendMessage(conv, "bump", types.ContentText)
	require.NoError(t, err)

	convs := f.s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, conv, convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "bump", convs[0].LastMessage.Content)

	f.s.HandleNewMessage(types.Message{ID: "m_x", ConversationID: "conv_new", SenderID: "carol", Content: "hey", Timestamp: time.Now().Add(time.Minute)})

	convs = f.s.Conversations()
	require.Len(t, convs, 3)
	assert.Equal(t, "conv_new", convs[0].ID)
	assert.Equal(t, "carol", convs[0].Peer(alice))
}

func TestRefreshConversations_LocalNewerWins(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.s.SendMessage(conv, "local", types.ContentText)
	require.NoError(t, err)

	require.NoError(t, f.s.RefreshConversations(context.Background()))

	for _, c := range f.s.Conversations() {
		if c.ID == conv {
			require.NotNil(t, c.LastMessage)
			assert.Equal(t, "local", c.LastMessage.Content)
		}
	}
}

func TestLoadHistory(t *testing.T) {
	f := newFixture(t, true)

	tmp, err := f.s.SendMessage(conv, "pending", types.ContentText)
	require.NoError(t, err)
	keep, err := f.s.SendMessage(conv, "still pending", types.ContentText)
	require.NoError(t, err)

	f.history.messages[conv] = []types.Message{
		{ID: "m_1", ConversationID: conv, SenderID: bob, Content: "old"},
		echo(tmp, "m_2"),
		{ID: "m_1", ConversationID: conv, SenderID: bob, Content: "old"},
	}

	r := types.DateRange{Start: time.Now().Add(-24 * time.Hour)}
	require.NoError(t, f.s.LoadHistory(context.Background(), conv, r))
	assert.Equal(t, r, f.history.lastRange)

	msgs := f.s.Messages(conv)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m_1", msgs[0].ID)
	assert.Equal(t, "m_2", msgs[1].ID)
	assert.Equal(t, keep.ID, msgs[2].ID)
}

func TestLoadHistory_KeepsLocalState(t *testing.T) {
	f := newFixture(t, true)

	tmp, err := f.s.SendMessage(conv, "did you see it?", types.ContentText)
	require.NoError(t, err)

	acked := echo(tmp, "m_42")
	f.s.HandleNewMessage(acked)
	f.s.HandleMessageRead(signal.MessageReadBy{MessageID: "m_42", UserID: bob})

	now := time.Now()
	f.s.HandleNewMessage(types.Message{ID: "m_7", ConversationID: conv, SenderID: bob, Content: "yes", Timestamp: now})

	// The snapshot predates the read and the latest message.
	f.history.messages[conv] = []types.Message{acked}

	require.NoError(t, f.s.LoadHistory(context.Background(), conv, types.DateRange{}))

	msgs := f.s.Messages(conv)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m_42", msgs[0].ID)
	assert.Equal(t, []string{alice, bob}, msgs[0].ReadBy)
	assert.Equal(t, "read", f.s.Status(msgs[0]))
	assert.Equal(t, "m_7", msgs[1].ID)

	f.history.messages[conv] = nil

	require.NoError(t, f.s.LoadHistory(context.Background(), conv, types.DateRange{}))
	assert.Len(t, f.s.Messages(conv), 2)

	// A range that ends before m_7 leaves it out of the filtered view.
	r := types.DateRange{End: now.Add(-time.Minute), Start: now.Add(-time.Hour)}
	f.history.messages[conv] = []types.Message{acked}

	require.NoError(t, f.s.LoadHistory(context.Background(), conv, r))

	msgs = f.s.Messages(conv)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m_42", msgs[0].ID)
}

func TestLoadHistory_ArrivalPosition(t *testing.T) {
	f := newFixture(t, true)

	now := time.Now()
	m1 := types.Message{ID: "m_1", ConversationID: conv, SenderID: bob, Content: "one", Timestamp: now}
	m2 := types.Message{ID: "m_2", ConversationID: conv, SenderID: bob, Content: "two", Timestamp: now.Add(time.Second)}
	m3 := types.Message{ID: "m_3", ConversationID: conv, SenderID: bob, Content: "three", Timestamp: now.Add(2 * time.Second)}

	f.s.HandleNewMessage(m1)
	f.s.HandleNewMessage(m2)
	f.s.HandleNewMessage(m3)

	f.history.messages[conv] = []types.Message{m1, m3}

	require.NoError(t, f.s.LoadHistory(context.Background(), conv, types.DateRange{}))

	var ids []string
	for _, m := range f.s.Messages(conv) {
		ids = append(ids, m.ID)
	}

	assert.Equal(t, []string{"m_1", "m_2", "m_3"}, ids)
}

func TestOpenConversation(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.s.OpenConversation(context.Background(), conv))

	assert.Equal(t, conv, f.s.OpenConversationID())
	assert.Equal(t, []any{signal.JoinConversation{ConversationID: conv}}, f.sender.named(signal.EventJoinConversation))

	f.history.err = errors.New("boom")
	assert.Error(t, f.s.OpenConversation(context.Background(), "conv_am"))
}

func TestClearConversation(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.s.SendMessage(conv, "bye", types.ContentText)
	require.NoError(t, err)

	var changed []string
	f.s.OnChange(func(id string) { changed = append(changed, id) })

	f.s.ClearConversation(conv)

	assert.Empty(t, f.s.Messages(conv))
	assert.Equal(t, []string{conv}, changed)
}
