package ws

import (
	"encoding/json"
	"testing"
)

func TestEventRoundTripsOpAndData(t *testing.T) {
	ev := Event{Op: OpChat, Data: ChatPayload{Text: "hello"}}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Op != OpChat {
		t.Fatalf("expected op %q, got %q", OpChat, decoded.Op)
	}

	payload, err := decode[ChatPayload](decoded.Data)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Text != "hello" {
		t.Fatalf("expected text %q, got %q", "hello", payload.Text)
	}
}

func TestEventOmitsEmptyDataAndSeq(t *testing.T) {
	raw, err := json.Marshal(Event{Op: OpAuthLoggedOut})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["d"]; ok {
		t.Fatal("expected omitted data field to be absent")
	}
	if _, ok := m["seq"]; ok {
		t.Fatal("expected omitted seq field to be absent")
	}
}

func TestDecodeErrorPayloadFromGenericData(t *testing.T) {
	var data any = map[string]any{"message": "nope", "code": string(CodePermissionDenied)}
	payload, err := decode[ErrorPayload](data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message != "nope" || payload.Code != CodePermissionDenied {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
