package protocol

import (
	"encoding/json"
	"time"

	"github.com/example/ttsworkerd/internal/dispatcherrors"
)

// v1Sniff is used only to infer a bare v1 payload's Message.Type, per
// spec.md §6: presence of "type":"synthesize" (or any request-shaped
// "type") means request, presence of "status" means response, presence of
// "error" means error.
type v1Sniff struct {
	Type   *string         `json:"type"`
	Status *string         `json:"status"`
	Error  json.RawMessage `json:"error"`
}

// UpgradeV1 upgrades a bare v1 payload (no envelope, no metadata) into a
// canonical v2 Message, synthesizing a messageId and stamping the
// UpgradedFrom provenance marker. now is injected for testability.
func UpgradeV1(raw []byte, now func() time.Time) (Message, error) {
	var sniff v1Sniff
	if err := json.Unmarshal(raw, &sniff); err != nil {
		return Message{}, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "malformed v1 payload", err)
	}

	var msgType Type
	switch {
	case sniff.Error != nil:
		msgType = TypeError
	case sniff.Status != nil:
		msgType = TypeResponse
	case sniff.Type != nil:
		msgType = TypeRequest
	default:
		return Message{}, dispatcherrors.New(dispatcherrors.KindProtocolError,
			"cannot infer v1 message type: no type/status/error field present")
	}

	msg := Message{
		Version:      Current,
		MessageID:    NewMessageID(),
		Timestamp:    now().UnixMilli(),
		Type:         msgType,
		Payload:      json.RawMessage(raw),
		UpgradedFrom: V1,
	}
	return msg, nil
}

// DowngradeToV1 strips the v2 envelope and returns the inner payload
// verbatim, as sent to a v1 peer on egress.
func DowngradeToV1(m Message) ([]byte, error) {
	if len(m.Payload) == 0 {
		return nil, dispatcherrors.New(dispatcherrors.KindProtocolError, "message has no payload to downgrade")
	}
	return append([]byte(m.Payload), '\n'), nil
}
