package protocol

import (
	"encoding/json"
	"time"

	"github.com/example/ttsworkerd/internal/dispatcherrors"
)

// Codec translates between in-memory Messages and newline-terminated,
// UTF-8 JSON wire frames, per spec.md §4.1. It is safe for concurrent use:
// it holds no mutable state beyond an injectable clock.
type Codec struct {
	now func() time.Time
}

// NewCodec returns a Codec using time.Now for message timestamps.
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// NewCodecWithClock returns a Codec using the supplied clock, for
// deterministic tests.
func NewCodecWithClock(now func() time.Time) *Codec {
	return &Codec{now: now}
}

// Encode serializes msg as a single line of JSON terminated by "\n" for a
// peer speaking msg.Version. v1 peers receive the bare inner payload; v2
// peers receive the full envelope. msg.Version must already reflect the
// negotiated wire version for the peer.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = c.now().UnixMilli()
	}

	switch msg.Version {
	case V1:
		return DowngradeToV1(msg)
	case V2, "":
		msg.Version = V2
		b, err := json.Marshal(msg)
		if err != nil {
			return nil, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "encode message", err)
		}
		return append(b, '\n'), nil
	default:
		return nil, dispatcherrors.Newf(dispatcherrors.KindIncompatibleVersion, "cannot encode for unsupported version %q", msg.Version)
	}
}

// envelopeProbe is decoded first so Decode can distinguish "no version field
// at all" (a bare v1 payload, upgraded leniently) from "claims a version but
// is missing required envelope fields" (a malformed v2 message, rejected).
type envelopeProbe struct {
	Version   *string          `json:"version"`
	MessageID *string          `json:"messageId"`
	Type      *string          `json:"type"`
	Payload   *json.RawMessage `json:"payload"`
}

// Decode parses a single line (without its trailing newline) into a
// canonical Message. A line with no "version" field is treated as a bare
// v1 payload and upgraded, per spec.md §6's backward-compatibility layer. A
// line that declares a version but omits messageId, type, or payload, or
// names an unknown type or unsupported version, is rejected with a
// protocol error.
func (c *Codec) Decode(line []byte) (Message, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(line, &probe); err != nil {
		return Message{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "malformed JSON frame", err)
	}

	if probe.Version == nil {
		return UpgradeV1(line, c.now)
	}

	if probe.MessageID == nil || probe.Type == nil || probe.Payload == nil {
		return Message{}, dispatcherrors.New(dispatcherrors.KindProtocolError,
			"message missing one of version/messageId/type/payload")
	}

	if !Supported(*probe.Version) {
		return Message{}, dispatcherrors.Newf(dispatcherrors.KindProtocolError,
			"unsupported protocol version %q", *probe.Version)
	}

	if !Type(*probe.Type).valid() {
		return Message{}, dispatcherrors.Newf(dispatcherrors.KindProtocolError,
			"unknown message type %q", *probe.Type)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "decode message envelope", err)
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Payload helpers
// ---------------------------------------------------------------------------

// NewRequest builds a canonical request-type Message wrapping payload,
// stamped with the current protocol version.
func (c *Codec) NewRequest(payload RequestPayload, workerID string, priority Priority) (Message, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Message{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "marshal request payload", err)
	}
	return Message{
		Version:   Current,
		MessageID: NewMessageID(),
		Timestamp: c.now().UnixMilli(),
		Type:      TypeRequest,
		Payload:   raw,
		Metadata:  &Metadata{WorkerID: workerID, Priority: priority},
	}, nil
}

// DecodeRequestPayload unmarshals msg.Payload as a RequestPayload.
func DecodeRequestPayload(msg Message) (RequestPayload, error) {
	var p RequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return RequestPayload{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "decode request payload", err)
	}
	return p, nil
}

// DecodeResponsePayload unmarshals msg.Payload as a ResponsePayload.
func DecodeResponsePayload(msg Message) (ResponsePayload, error) {
	var p ResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return ResponsePayload{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "decode response payload", err)
	}
	return p, nil
}

// DecodeEventPayload unmarshals msg.Payload as an EventPayload.
func DecodeEventPayload(msg Message) (EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return EventPayload{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "decode event payload", err)
	}
	return p, nil
}

// DecodeErrorPayload unmarshals msg.Payload as an ErrorPayload.
func DecodeErrorPayload(msg Message) (ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return ErrorPayload{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "decode error payload", err)
	}
	return p, nil
}
