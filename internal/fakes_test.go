package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"chatlink/pkg/auth"
	"chatlink/pkg/blocklist"
	"chatlink/pkg/call"
	"chatlink/pkg/chat"
	"chatlink/pkg/media"
	"chatlink/pkg/notify"
	"chatlink/pkg/peer"
	"chatlink/pkg/prefs"
	"chatlink/pkg/presence"
	"chatlink/pkg/signal"
	"chatlink/pkg/types"
	"chatlink/pkg/typing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	events []signal.EventName
}

func (f *fakeSender) Send(name signal.EventName, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, name)

	return nil
}

func (f *fakeSender) sent() []signal.EventName {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]signal.EventName(nil), f.events...)
}

type fakeHistory struct {
	mu       sync.Mutex
	convs    []types.Conversation
	messages map[string][]types.Message
	rejected bool
	calls    int
}

func (h *fakeHistory) Conversations(context.Context) ([]types.Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++

	if h.rejected {
		return nil, errors.Wrap(auth.ErrRejected, "GET /api/conversations")
	}

	return h.convs, nil
}

func (h *fakeHistory) Messages(_ context.Context, id string, _ types.DateRange) ([]types.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.messages[id], nil
}

type fakeLink struct {
	events chan peer.Event
	done   chan struct{}
	once   sync.Once
}

func (l *fakeLink) Offer(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (l *fakeLink) Answer(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (l *fakeLink) Accept(json.RawMessage) error         { return nil }
func (l *fakeLink) AddCandidate(json.RawMessage) error   { return nil }
func (l *fakeLink) ReplaceVideoTrack(*media.Track) error { return nil }
func (l *fakeLink) Events() <-chan peer.Event            { return l.events }
func (l *fakeLink) Done() <-chan struct{}                { return l.done }
func (l *fakeLink) Dispose()                             { l.once.Do(func() { close(l.done) }) }

func newFakeLink(peer.Role, *media.Stream) (call.Link, error) {
	return &fakeLink{events: make(chan peer.Event), done: make(chan struct{})}, nil
}

type engine struct {
	sender   *fakeSender
	history  *fakeHistory
	prefs    *prefs.Store
	notices  *notify.Center
	presence *presence.Tracker
	typing   *typing.Debouncer
	chat     *chat.Synchronizer
	calls    *call.Controller

	signOutMx sync.Mutex
	signedOut error
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	e := &engine{
		sender: &fakeSender{},
		history: &fakeHistory{
			convs: []types.Conversation{
				{ID: "c1", Participants: []string{"alice", "bob"}, OtherUser: &types.User{ID: "bob", Username: "bob"}},
			},
			messages: map[string][]types.Message{
				"c1": {{ID: "msg_1", ConversationID: "c1", SenderID: "bob", Content: "hello", Kind: types.ContentText, ReadBy: []string{"bob"}}},
			},
		},
		notices:  notify.NewCenter(16),
		presence: presence.NewTracker(),
	}

	var err error

	e.prefs, err = prefs.Open(prefs.StoreConfig{Path: filepath.Join(t.TempDir(), "prefs.db"), UserID: "alice"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.prefs.Close() })

	blocked := blocklist.New("mallory")

	e.typing = typing.NewDebouncer(typing.DebouncerConfig{LocalUserID: "alice"}, e.sender)
	t.Cleanup(e.typing.Close)

	e.chat = chat.NewSynchronizer(chat.SynchronizerConfig{LocalUserID: "alice"}, e.sender, e.history, blocked, e.prefs, e.notices)
	e.calls = call.NewController(call.ControllerConfig{}, e.sender, &media.Synthetic{}, newFakeLink, blocked)
	t.Cleanup(func() { _ = e.calls.Close() })

	return e
}

func (e *engine) signOut(err error) {
	e.signOutMx.Lock()
	defer e.signOutMx.Unlock()

	e.signedOut = err
}

func (e *engine) router(ctx context.Context) *Router {
	return NewRouter(ctx, e.calls, e.chat, e.typing, e.presence, e.notices, e.signOut)
}

func (e *engine) console(out *bytes.Buffer) *Console {
	return NewConsole(out, "alice", e.signOut, e.calls, e.chat, e.typing, e.presence, e.prefs, e.notices)
}
