package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Kind is the type of an outbound message.
type Kind string

const (
	KindImage         Kind = "image"
	KindServoStandard Kind = "servo-standard"
	KindServo9G       Kind = "servo-9g"
	KindClose         Kind = "close"
)

func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindServoStandard, KindServo9G, KindClose:
		return true
	}
	return false
}

func (k Kind) IsServo() bool {
	return k == KindServoStandard || k == KindServo9G
}

// Message is one outbound message. Payload is owned by the channel once
// enqueued.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Encoding selects the wire form of servo messages.
type Encoding string

const (
	EncodingCBOR Encoding = "cbor"
	EncodingJSON Encoding = "json"
)

// closeSentinel is the literal text a peer sends to end the session.
const closeSentinel = "close"

var ErrUnknownKind = errors.New("transport: unknown message kind")

type servoEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Kind    string
	Payload []byte
}

// encodeFrame returns the websocket message type and body for msg.
func encodeFrame(msg Message, enc Encoding) (int, []byte, error) {
	switch {
	case msg.Kind == KindImage:
		return websocket.BinaryMessage, msg.Payload, nil
	case msg.Kind.IsServo() && enc == EncodingJSON:
		data, err := json.Marshal([]any{string(msg.Kind), jsonPayload(msg.Payload)})
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
		}
		return websocket.TextMessage, data, nil
	case msg.Kind.IsServo():
		data, err := cbor.Marshal(servoEnvelope{Kind: string(msg.Kind), Payload: msg.Payload})
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
		}
		return websocket.BinaryMessage, data, nil
	default:
		return 0, nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
}

// jsonPayload embeds payload verbatim when it is already JSON.
func jsonPayload(payload []byte) any {
	if len(payload) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}

// DecodeServo parses a CBOR servo envelope as written by the channel.
func DecodeServo(data []byte) (Message, error) {
	var env servoEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode servo message: %w", err)
	}
	kind := Kind(env.Kind)
	if !kind.IsServo() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return Message{Kind: kind, Payload: env.Payload}, nil
}

// DecodeServoJSON parses a JSON servo envelope. The payload is returned as
// the raw JSON value, or the string contents when it was sent as a string.
func DecodeServoJSON(data []byte) (Message, error) {
	var env []json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode servo message: %w", err)
	}
	if len(env) != 2 {
		return Message{}, fmt.Errorf("decode servo message: want 2 elements, got %d", len(env))
	}
	var kind string
	if err := json.Unmarshal(env[0], &kind); err != nil {
		return Message{}, fmt.Errorf("decode servo kind: %w", err)
	}
	if !Kind(kind).IsServo() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	payload := []byte(env[1])
	var s string
	if json.Unmarshal(env[1], &s) == nil {
		payload = []byte(s)
	}
	return Message{Kind: Kind(kind), Payload: payload}, nil
}
