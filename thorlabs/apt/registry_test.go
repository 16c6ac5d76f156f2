package apt

import (
	"errors"
	"strings"
	"testing"
)

func TestRepliesAreRegistered(t *testing.T) {
	for _, k := range Kinds() {
		if k.Reply == 0 {
			continue
		}
		r, ok := Lookup(k.Reply)
		if !ok {
			t.Errorf("%s is answered by unregistered 0x%04X", k.Name, uint16(k.Reply))
			continue
		}
		if r.Reply != 0 {
			t.Errorf("reply %s to %s expects a reply itself", r.Name, k.Name)
		}
		if !strings.Contains(k.Name, "_REQ_") || !strings.Contains(r.Name, "_GET_") {
			t.Errorf("%s -> %s does not pair a REQ with a GET", k.Name, r.Name)
		}
	}
}

func TestKindsSortedAndShaped(t *testing.T) {
	ks := Kinds()
	for i := 1; i < len(ks); i++ {
		if ks[i-1].ID >= ks[i].ID {
			t.Fatalf("kinds out of order at %s", ks[i].Name)
		}
	}
	for _, k := range ks {
		if k.Shape == Fixed && (len(k.Schema) != 2 || k.Length() != 0) {
			t.Errorf("%s: fixed kinds carry exactly two byte params", k.Name)
		}
		if k.Shape == Variable && k.Length() == 0 {
			t.Errorf("%s: variable kind with empty payload", k.Name)
		}
	}
}

func TestSchemaLengths(t *testing.T) {
	tests := []struct {
		id  MessageID
		len int
	}{
		{HWGetInfo, 84},
		{HWRichResponse, 68},
		{MotSetVelParams, 14},
		{MotGetJogParams, 22},
		{MotGetHomeParams, 14},
		{MotGetLimSwitchParams, 16},
		{MotMoveRelative, 6},
		{MotMoveAbsolute, 6},
		{MotMoveCompleted, 14},
		{MotGetADCInputs, 4},
	}
	for _, tt := range tests {
		k, ok := Lookup(tt.id)
		if !ok {
			t.Fatalf("%s not registered", tt.id)
		}
		if k.Length() != tt.len {
			t.Errorf("%s: payload %d bytes, expected %d", k.Name, k.Length(), tt.len)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup(0x7777); ok {
		t.Error("0x7777 should not be registered")
	}
	if _, err := ShapeOf(0x7777); !errors.Is(err, ErrUnknownMessageID) {
		t.Errorf("ShapeOf: expected ErrUnknownMessageID, got %v", err)
	}
	if _, err := SchemaOf(0x7777); !errors.Is(err, ErrUnknownMessageID) {
		t.Errorf("SchemaOf: expected ErrUnknownMessageID, got %v", err)
	}
	if s, err := ShapeOf(MotMoveJog); err != nil || s != Fixed {
		t.Errorf("MOVE_JOG is fixed, got %s, %v", s, err)
	}
	if got := MessageID(0x7777).String(); got != "MessageID(0x7777)" {
		t.Errorf("unexpected name %q", got)
	}
}
