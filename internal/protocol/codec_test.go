package protocol_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/protocol"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCodec_RoundTrip(t *testing.T) {
	c := protocol.NewCodecWithClock(fixedClock(time.UnixMilli(1000)))

	for _, v := range []string{protocol.V1, protocol.V2} {
		t.Run(v, func(t *testing.T) {
			payload, err := json.Marshal(protocol.RequestPayload{Type: protocol.RequestSynthesize, Text: "hello"})
			if err != nil {
				t.Fatal(err)
			}
			msg := protocol.Message{
				Version:   v,
				MessageID: "m-1",
				Timestamp: 1000,
				Type:      protocol.TypeRequest,
				Payload:   payload,
			}

			encoded, err := c.Encode(msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			if v == protocol.V1 {
				// v1 egress has no envelope; a decode round-trip isn't
				// meaningful against the same peer version without an
				// out-of-band upgrade, so just check the payload survives
				// verbatim.
				var got protocol.RequestPayload
				if err := json.Unmarshal(encoded[:len(encoded)-1], &got); err != nil {
					t.Fatalf("unmarshal v1 frame: %v", err)
				}
				if got.Text != "hello" {
					t.Fatalf("want text=hello, got %q", got.Text)
				}
				return
			}

			decoded, err := c.Decode(encoded[:len(encoded)-1])
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.MessageID != msg.MessageID || decoded.Type != msg.Type || decoded.Version != msg.Version {
				t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, msg)
			}
			if string(decoded.Payload) != string(msg.Payload) {
				t.Fatalf("payload mismatch: got %s, want %s", decoded.Payload, msg.Payload)
			}
		})
	}
}

func TestCodec_Decode_RejectsMissingFields(t *testing.T) {
	c := protocol.NewCodec()

	cases := []string{
		`{"version":"2.0.0","type":"request","payload":{}}`,             // missing messageId
		`{"version":"2.0.0","messageId":"m1","payload":{}}`,              // missing type
		`{"version":"2.0.0","messageId":"m1","type":"request"}`,         // missing payload
		`{"version":"9.9.9","messageId":"m1","type":"request","payload":{}}`, // unsupported version
		`{"version":"2.0.0","messageId":"m1","type":"bogus","payload":{}}`,   // unknown type
	}

	for _, raw := range cases {
		_, err := c.Decode([]byte(raw))
		if err == nil {
			t.Fatalf("expected error decoding %s", raw)
		}
		var derr *dispatcherrors.Error
		if !errors.As(err, &derr) {
			t.Fatalf("expected *dispatcherrors.Error, got %T", err)
		}
	}
}

func TestCodec_Decode_UpgradesBareV1Request(t *testing.T) {
	c := protocol.NewCodecWithClock(fixedClock(time.UnixMilli(42)))

	raw := []byte(`{"type":"synthesize","text":"x"}`)
	msg, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("decode v1: %v", err)
	}
	if msg.Type != protocol.TypeRequest {
		t.Fatalf("want request, got %s", msg.Type)
	}
	if msg.MessageID == "" {
		t.Fatal("expected a synthesized messageId")
	}
	if msg.UpgradedFrom != protocol.V1 {
		t.Fatalf("want UpgradedFrom=%s, got %q", protocol.V1, msg.UpgradedFrom)
	}

	payload, err := protocol.DecodeRequestPayload(msg)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Text != "x" {
		t.Fatalf("want text=x, got %q", payload.Text)
	}
}

func TestCodec_Decode_UpgradesBareV1ResponseAndError(t *testing.T) {
	c := protocol.NewCodec()

	resp, err := c.Decode([]byte(`{"status":"success","latency_ms":12}`))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != protocol.TypeResponse {
		t.Fatalf("want response, got %s", resp.Type)
	}

	errMsg, err := c.Decode([]byte(`{"error":{"kind":"worker_terminated","message":"boom"}}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errMsg.Type != protocol.TypeError {
		t.Fatalf("want error, got %s", errMsg.Type)
	}
}

func TestCodec_Decode_UnsniffableV1Rejected(t *testing.T) {
	c := protocol.NewCodec()
	_, err := c.Decode([]byte(`{"foo":"bar"}`))
	if err == nil {
		t.Fatal("expected error for unsniffable bare payload")
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		r       protocol.VersionRange
		want    string
		wantErr bool
	}{
		{"no-range-picks-current", protocol.VersionRange{}, protocol.Current, false},
		{"preferred-within-range", protocol.VersionRange{Min: "1.0.0", Max: "2.0.0", Preferred: "1.0.0"}, "1.0.0", false},
		{"preferred-outside-range-ignored", protocol.VersionRange{Min: "2.0.0", Max: "2.0.0", Preferred: "1.0.0"}, "2.0.0", false},
		{"highest-mutual-no-preference", protocol.VersionRange{Min: "1.0.0", Max: "2.0.0"}, "2.0.0", false},
		{"empty-intersection", protocol.VersionRange{Min: "5.0.0", Max: "9.0.0"}, "", true},
		{"inverted-range", protocol.VersionRange{Min: "2.0.0", Max: "1.0.0"}, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := protocol.Negotiate(tc.r)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got version %q", got)
				}
				if dispatcherrors.KindOf(err) != dispatcherrors.KindIncompatibleVersion {
					t.Fatalf("want KindIncompatibleVersion, got %v", dispatcherrors.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFrameReader_SplitsAndRetainsPartial(t *testing.T) {
	body := "{\"a\":1}\n{\"b\":2}\n{\"c\":3}" // no trailing newline on the last frame
	fr := protocol.NewFrameReader(strings.NewReader(body))

	var got []string
	for {
		frame, err := fr.Next()
		if frame != nil {
			got = append(got, string(frame))
		}
		if err != nil {
			break
		}
	}

	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if len(got) != len(want) {
		t.Fatalf("want %d frames, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: want %q, got %q", i, want[i], got[i])
		}
	}
}
