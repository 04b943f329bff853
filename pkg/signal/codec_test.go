package signal

import (
	"encoding/json"
	"testing"

	"chatlink/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	raw, err := Encode(EventCallUser, CallUser{
		CalleeID: "u2",
		Signal:   json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		CallType: types.CallVideo,
	})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"event":"call_user","data":{"callee_id":"u2","signal":{"type":"offer","sdp":"v=0"},"call_type":"video"}}`,
		string(raw))

	raw, err = Encode(EventTyping, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"typing"}`, string(raw))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "incoming call",
			raw:  `{"event":"incoming_call","data":{"caller":{"user_id":"u1","real_name":"Ann"},"caller_id":"u1","signal":{"type":"offer"},"call_type":"audio"}}`,
			want: IncomingCall{
				Caller:   types.User{ID: "u1", RealName: "Ann"},
				CallerID: "u1",
				Signal:   json.RawMessage(`{"type":"offer"}`),
				CallType: types.CallAudio,
			},
		},
		{
			name: "call rejected without data",
			raw:  `{"event":"call_rejected"}`,
			want: CallRejected{},
		},
		{
			name: "call ended with empty data",
			raw:  `{"event":"call_ended","data":{}}`,
			want: CallEnded{},
		},
		{
			name: "typing",
			raw:  `{"event":"user_typing","data":{"conversation_id":"c1","user_id":"u2"}}`,
			want: UserTyping{ConversationID: "c1", UserID: "u2"},
		},
		{
			name: "read",
			raw:  `{"event":"message_read","data":{"message_id":"m1","user_id":"u2"}}`,
			want: MessageReadBy{MessageID: "m1", UserID: "u2"},
		},
		{
			name: "online",
			raw:  `{"event":"user_online","data":{"user_id":"u3"}}`,
			want: UserOnline{UserID: "u3"},
		},
		{
			name: "server error",
			raw:  `{"event":"error","data":{"message":"Conversation not found"}}`,
			want: ServerError{Message: "Conversation not found"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev)
		})
	}
}

func TestDecode_NewMessage(t *testing.T) {
	raw := `{"event":"new_message","data":{"message_id":"m_42","conversation_id":"c1","sender_id":"u1","content":"hi","message_type":"text","timestamp":"2024-05-01T10:00:00.123456+00:00","read_by":["u1"]}}`

	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	msg, ok := ev.(NewMessage)
	require.True(t, ok)
	assert.Equal(t, "m_42", msg.ID)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, types.ContentText, msg.Kind)
	assert.Equal(t, []string{"u1"}, msg.ReadBy)
	assert.Equal(t, 2024, msg.Timestamp.Year())
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"event":"bogus"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"event":"user_online","data":"oops"}`))
	assert.Error(t, err)
}
