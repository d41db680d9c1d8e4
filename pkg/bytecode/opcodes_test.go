package bytecode

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	// Ensure every defined opcode has metadata
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("Opcode 0x%02X has no metadata", byte(op))
		}
	}
}

func TestOpcodeCount(t *testing.T) {
	if got := OpcodeCount(); got != 27 {
		t.Errorf("OpcodeCount() = %d, want 27", got)
	}
}

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string
	}{
		{OpLDC, "LDC"},
		{OpLD, "LD"},
		{OpBINOP, "BINOP"},
		{OpJOF, "JOF"},
		{OpENTER_SCOPE, "ENTER_SCOPE"},
		{OpBREAK_CONT, "BREAK_CONT"},
		{OpTAIL_CALL, "TAIL_CALL"},
		{OpWAITGROUP, "WAITGROUP"},
		{OpSLICE_GET_ELEMENT, "SLICE_GET_ELEMENT"},
		{OpDONE, "DONE"},
	}

	for _, tt := range tests {
		got := tt.op.String()
		if got != tt.want {
			t.Errorf("Opcode(0x%02X).String() = %q, want %q", byte(tt.op), got, tt.want)
		}
	}
}

func TestUnknownOpcodeString(t *testing.T) {
	op := Opcode(0xEE)
	if got := op.String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Unknown opcode should return UNKNOWN, got %q", got)
	}
	if op.Valid() {
		t.Error("0xEE reported valid")
	}
}

func TestLookupOpcodeRoundTrip(t *testing.T) {
	for _, op := range AllOpcodes() {
		got, ok := LookupOpcode(op.String())
		if !ok || got != op {
			t.Errorf("LookupOpcode(%q) = %v, %v", op.String(), got, ok)
		}
	}
	if _, ok := LookupOpcode("NOP"); ok {
		t.Error("LookupOpcode(NOP) succeeded")
	}
}

func TestOpcodeIsJump(t *testing.T) {
	for _, op := range []Opcode{OpJOF, OpGOTO} {
		if !op.IsJump() {
			t.Errorf("%s.IsJump() = false, want true", op)
		}
	}
	for _, op := range []Opcode{OpLDC, OpCALL, OpWHILE_MARK, OpDONE} {
		if op.IsJump() {
			t.Errorf("%s.IsJump() = true, want false", op)
		}
	}
}

func TestOpcodeIsCall(t *testing.T) {
	for _, op := range AllOpcodes() {
		want := op == OpCALL || op == OpTAIL_CALL || op == OpGO
		if got := op.IsCall(); got != want {
			t.Errorf("%s.IsCall() = %v, want %v", op, got, want)
		}
	}
}

func TestOpcodeJSON(t *testing.T) {
	data, err := json.Marshal(OpCUT_SLICE)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"CUT_SLICE"` {
		t.Errorf("json = %s, want \"CUT_SLICE\"", data)
	}

	var op Opcode
	if err := json.Unmarshal([]byte(`"BOGUS"`), &op); err == nil {
		t.Error("expected error for unknown tag")
	}
	if _, err := json.Marshal(Opcode(0xEE)); err == nil {
		t.Error("expected error marshaling unknown opcode")
	}
}
