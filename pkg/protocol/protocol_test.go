package protocol

import (
	"encoding/json"
	"testing"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"call_request","to":5,"callType":"audio"}`))
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeCallRequest {
		t.Errorf("PeekType = %q, want %q", typ, TypeCallRequest)
	}
}

func TestPeekType_MissingType(t *testing.T) {
	typ, err := PeekType([]byte(`{"to":5}`))
	if err != nil {
		t.Fatal(err)
	}
	if typ != "" {
		t.Errorf("PeekType = %q, want empty", typ)
	}
}

func TestPeekType_Malformed(t *testing.T) {
	if _, err := PeekType([]byte(`{{`)); err == nil {
		t.Error("malformed JSON did not error")
	}
}

func TestNewError_WireShape(t *testing.T) {
	data, err := json.Marshal(NewError("boom"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != TypeError || m["message"] != "boom" {
		t.Errorf("error envelope = %v", m)
	}
}
