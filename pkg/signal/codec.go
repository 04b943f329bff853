package signal

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Encode builds the wire frame for an outbound event.
func Encode(name EventName, payload any) ([]byte, error) {
	frame := Frame{Event: name}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", name)
		}

		frame.Data = data
	}

	return json.Marshal(frame)
}

// Decode parses a wire frame into its inbound Event.
func Decode(raw []byte) (Event, error) {
	var frame Frame

	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}

	switch frame.Event {
	case EventIncomingCall:
		return decodeData[IncomingCall](frame)
	case EventCallAccepted:
		return decodeData[CallAccepted](frame)
	case EventCallRejected:
		return CallRejected{}, nil
	case EventCallEnded:
		return CallEnded{}, nil
	case EventICECandidate:
		return decodeData[ICECandidate](frame)
	case EventNewMessage:
		return decodeData[NewMessage](frame)
	case EventUserTyping:
		return decodeData[UserTyping](frame)
	case EventMessageRead:
		return decodeData[MessageReadBy](frame)
	case EventUserOnline:
		return decodeData[UserOnline](frame)
	case EventUserOffline:
		return decodeData[UserOffline](frame)
	case EventError:
		return decodeData[ServerError](frame)
	}

	return nil, errors.Wrap(ErrUnknownEvent, string(frame.Event))
}

func decodeData[T Event](frame Frame) (Event, error) {
	var v T

	if len(frame.Data) != 0 && string(frame.Data) != "null" {
		if err := json.Unmarshal(frame.Data, &v); err != nil {
			return nil, errors.Wrapf(err, "decode %s", frame.Event)
		}
	}

	return v, nil
}
