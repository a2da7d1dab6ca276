package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/whisper/convo/internal/chat"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseClientEvent decodes raw WebSocket bytes into one client event
// variant. Malformed JSON, unknown types and shape violations are all
// invalid_input errors.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, chat.NewError(chat.CodeInvalidInput, "malformed event", err)
	}

	var (
		ev ClientEvent
		ok bool
	)
	switch env.Type {
	case TypeJoinConversation:
		ev, ok = decode[JoinConversation](env.Raw)
	case TypeLeaveConversation:
		ev, ok = decode[LeaveConversation](env.Raw)
	case TypeTypingStart:
		ev, ok = decode[TypingStart](env.Raw)
	case TypeTypingStop:
		ev, ok = decode[TypingStop](env.Raw)
	case TypeMessageCreated:
		ev, ok = decode[MessageCreated](env.Raw)
	case TypePing:
		return Ping{}, nil
	default:
		return nil, chat.NewError(chat.CodeInvalidInput, fmt.Sprintf("unknown event type %q", env.Type), nil)
	}
	if !ok {
		return nil, chat.NewError(chat.CodeInvalidInput, fmt.Sprintf("malformed %q payload", env.Type), nil)
	}

	if err := validate.Struct(ev); err != nil {
		return nil, chat.NewError(chat.CodeInvalidInput, describe(env.Type, err), nil)
	}
	return ev, nil
}

// ParseServerEvent decodes raw bytes received from the server.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev ServerEvent
		ok bool
	)
	switch env.Type {
	case TypeConnected:
		ev, ok = decode[Connected](env.Raw)
	case TypeJoinedConversation:
		ev, ok = decode[JoinedConversation](env.Raw)
	case TypeLeftConversation:
		ev, ok = decode[LeftConversation](env.Raw)
	case TypeUserTyping:
		ev, ok = decode[UserTyping](env.Raw)
	case TypeNewMessage:
		ev, ok = decode[NewMessage](env.Raw)
	case TypeMessageUpdated:
		ev, ok = decode[MessageUpdated](env.Raw)
	case TypeMessageDeleted:
		ev, ok = decode[MessageDeleted](env.Raw)
	case TypeParticipantAdded:
		ev, ok = decode[ParticipantAdded](env.Raw)
	case TypeParticipantLeft:
		ev, ok = decode[ParticipantLeft](env.Raw)
	case TypeError:
		ev, ok = decode[Error](env.Raw)
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}
	if !ok {
		return nil, fmt.Errorf("protocol: failed to decode %q payload", env.Type)
	}
	return ev, nil
}

// Encode creates the JSON bytes for an event. The event type is injected
// into the payload under the "type" key.
func Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(ev.EventType())
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return out, nil
}

// MustEncode is Encode for events whose payloads cannot fail to marshal.
func MustEncode(ev Event) []byte {
	out, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return out
}

// decode reports false when the payload does not fit T.
func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

func describe(eventType string, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Sprintf("invalid %s event", eventType)
	}
	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag())
	})
	return fmt.Sprintf("invalid %s event: %s", eventType, strings.Join(fields, ", "))
}
