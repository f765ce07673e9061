package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedFrame is returned for payloads that are not a JSON object with a type tag.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrameType is returned for well-formed frames with an unrecognised tag.
	ErrUnknownFrameType = errors.New("unknown frame type")
	// ErrInvalidFrame is returned when a known frame fails field validation.
	ErrInvalidFrame = errors.New("invalid frame")
)

var validate = validator.New()

type envelope struct {
	Type FrameType `json:"type"`
}

// DecodeInbound decodes a frame sent by a client to the relay.
func DecodeInbound(raw []byte) (Frame, error) {
	tag, err := peekType(raw)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TypeAuth:
		return decode[Auth](raw)
	case TypeSendMessage:
		return decode[SendMessage](raw)
	case TypeTyping:
		return decode[Typing](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, tag)
	}
}

// DecodeOutbound decodes a frame sent by the relay to a client.
func DecodeOutbound(raw []byte) (Frame, error) {
	tag, err := peekType(raw)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TypeAuthSuccess:
		return decode[AuthSuccess](raw)
	case TypeMessage:
		return decode[Message](raw)
	case TypeTyping:
		return decode[TypingNotice](raw)
	case TypeError:
		return decode[Error](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, tag)
	}
}

// Encode marshals f with its type tag set.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Auth:
		v.Type = TypeAuth
		return json.Marshal(v)
	case SendMessage:
		v.Type = TypeSendMessage
		return json.Marshal(v)
	case Typing:
		v.Type = TypeTyping
		return json.Marshal(v)
	case AuthSuccess:
		v.Type = TypeAuthSuccess
		return json.Marshal(v)
	case Message:
		v.Type = TypeMessage
		return json.Marshal(v)
	case TypingNotice:
		v.Type = TypeTyping
		return json.Marshal(v)
	case Error:
		v.Type = TypeError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownFrameType, f)
	}
}

// Validate checks the field constraints declared on f.
func Validate(f Frame) error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

func peekType(raw []byte) (FrameType, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env.Type, nil
}

func decode[T Frame](raw []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}
