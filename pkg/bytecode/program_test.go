package bytecode

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// loopProgram is the compiled form of
//
//	x := 0; for x < 10 { x = x + 1 }; x
func loopProgram() Program {
	return NewBuilder().
		EnterScope(1).
		LDC(Num(0)).ASSIGN("x", 3, 0).POP().
		WhileMark("start", "end").
		Label("start").
		LD("x", 3, 0).LDC(Num(10)).BINOP("<").
		JOF("end").
		LD("x", 3, 0).LDC(Num(1)).BINOP("+").ASSIGN("x", 3, 0).
		POP().
		GOTO("start").
		Label("end").
		ExitWhile().
		LDC(Undefined()).POP().
		LD("x", 3, 0).
		ExitScope().
		DONE().
		MustBuild()
}

func TestBuilderResolvesLabels(t *testing.T) {
	p := loopProgram()
	mark := p[4]
	if mark.Op != OpWHILE_MARK || mark.Start != 5 || mark.End != 15 {
		t.Fatalf("WHILE_MARK = %+v, want start 5 end 15", mark)
	}
	if p[8].Op != OpJOF || p[8].Addr != 15 {
		t.Errorf("JOF = %+v, want addr 15", p[8])
	}
	if p[14].Op != OpGOTO || p[14].Addr != 5 {
		t.Errorf("GOTO = %+v, want addr 5", p[14])
	}
	if p[15].Op != OpEXIT_WHILE || len(p) != 21 {
		t.Errorf("loop exit = %v, len %d", p[15].Op, len(p))
	}
}

func TestBuilderErrors(t *testing.T) {
	if _, err := NewBuilder().GOTO("nowhere").Build(); err == nil {
		t.Error("expected undefined label error")
	}
	if _, err := NewBuilder().Label("a").Label("a").DONE().Build(); err == nil {
		t.Error("expected duplicate label error")
	}
}

// ---------------------------------------------------------------------------
// Codecs
// ---------------------------------------------------------------------------

func TestCodecsRoundTrip(t *testing.T) {
	p := NewBuilder().
		LDC(Undefined()).LDC(Null()).LDC(Bool(true)).LDC(Num(2.5)).LDC(Str("hi")).
		LD("x", 0, 0).
		MUTEX(Lock).
		DONE().
		MustBuild()

	for _, f := range []Format{FormatJSON, FormatYAML, FormatCBOR} {
		t.Run(string(f), func(t *testing.T) {
			data, err := Encode(f, p)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(f, data)
			if err != nil {
				t.Fatalf("Decode: %v\n%s", err, data)
			}
			if !reflect.DeepEqual(got, p) {
				t.Errorf("round trip\ngot  %v\nwant %v", got, p)
			}
		})
	}
}

func TestDecodeJSONCompilerOutput(t *testing.T) {
	src := `[
	  {"tag":"ENTER_SCOPE","num":1},
	  {"tag":"LDC","val":null},
	  {"tag":"LDC"},
	  {"tag":"LD","sym":"x","pos":[3,0]},
	  {"tag":"MUTEX","type":"Unlock"},
	  {"tag":"SLICE_CREATE","init_size":2},
	  {"tag":"DONE","comment":"ignored"}
	]`
	p, err := DecodeJSON([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 7 {
		t.Fatalf("len = %d, want 7", len(p))
	}
	if p[1].Val.Kind != KindNull {
		t.Errorf("val null decoded as %v", p[1].Val.Kind)
	}
	if p[2].Val.Kind != KindUndefined {
		t.Errorf("missing val decoded as %v", p[2].Val.Kind)
	}
	if p[3].Pos != (Pos{3, 0}) {
		t.Errorf("pos = %v", p[3].Pos)
	}
	if p[5].InitSize != 2 {
		t.Errorf("init_size = %d", p[5].InitSize)
	}

	if _, err := DecodeJSON([]byte(`[{"tag":"NOPE"}]`)); err == nil {
		t.Error("expected error for unknown tag")
	}
}

func TestHashIndependentOfFormat(t *testing.T) {
	p := loopProgram()
	data, err := EncodeYAML(p)
	if err != nil {
		t.Fatal(err)
	}
	q, err := DecodeYAML(data)
	if err != nil {
		t.Fatal(err)
	}
	if p.HashString() != q.HashString() {
		t.Error("hash changed across YAML round trip")
	}
	if p.HashString() == append(p[:len(p):len(p)], Instruction{Op: OpDONE}).HashString() {
		t.Error("different programs share a hash")
	}
}

func TestLoadAndSaveFile(t *testing.T) {
	dir := t.TempDir()
	p := loopProgram()
	for _, name := range []string{"prog.json", "prog.yaml", "prog.cbor"} {
		path := filepath.Join(dir, name)
		if err := SaveFile(path, p); err != nil {
			t.Fatalf("SaveFile(%s): %v", name, err)
		}
		got, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile(%s): %v", name, err)
		}
		if !reflect.DeepEqual(got, p) {
			t.Errorf("%s: loaded program differs", name)
		}
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestFormatForPath(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"a.json", FormatJSON},
		{"a.YML", FormatYAML},
		{"a.yaml", FormatYAML},
		{"a.cbor", FormatCBOR},
		{"a.gsb", FormatCBOR},
		{"a", FormatJSON},
	}
	for _, tt := range tests {
		if got := FormatForPath(tt.path); got != tt.want {
			t.Errorf("FormatForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := loopProgram().Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	tests := []struct {
		name string
		prog Program
		want string
	}{
		{"empty", Program{}, "empty program"},
		{"no done", Program{{Op: OpLDC}}, "does not end with DONE"},
		{"jump out", Program{{Op: OpGOTO, Addr: 9}, {Op: OpDONE}}, "outside program"},
		{"binop", Program{{Op: OpBINOP, Sym: "**"}, {Op: OpDONE}}, `unknown binary operator "**"`},
		{"unop", Program{{Op: OpUNOP, Sym: "~"}, {Op: OpDONE}}, `unknown unary operator`},
		{"break type", Program{{Op: OpBREAK_CONT, Type: "leave"}, {Op: OpDONE}}, "BREAK_CONT type"},
		{"mutex type", Program{{Op: OpMUTEX, Type: "Add"}, {Op: OpDONE}}, "MUTEX type"},
		{"arity", Program{{Op: OpCALL, Arity: 20}, {Op: OpDONE}}, "arity 20"},
		{"opcode", Program{{Op: Opcode(0xEE)}, {Op: OpDONE}}, "unknown opcode 0xEE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.prog.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	p := Program{{Op: OpGOTO, Addr: -1}, {Op: OpJOF, Addr: 7}, {Op: OpPOP}}
	var verr *ValidationError
	if !errors.As(p.Validate(), &verr) {
		t.Fatal("expected validation error")
	}
	if len(verr.Problems) != 3 {
		t.Errorf("problems = %v, want 3", verr.Problems)
	}
	if verr.Problems[1].PC != 1 {
		t.Errorf("second problem at @%d, want @1", verr.Problems[1].PC)
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassembleListing(t *testing.T) {
	p := NewBuilder().
		LDF(1, "f").GOTO("after").
		Label("f").LD("n", 3, 0).RESET().
		Label("after").LDC(Num(4)).CALL(1).DONE().
		MustBuild()
	out := p.DisassembleWithName("call")

	for _, want := range []string{
		"; === call ===",
		"; goslang program, 7 instructions",
		"; sha256: " + p.HashString(),
		"@0002 arity 1, loaded at [0]",
		"0000   LDF arity=1 @2",
		"0002 > LD n (3,0)",
		"0004 > LDC 4",
		"0005   CALL arity=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		in   Instruction
		want string
	}{
		{Instruction{Op: OpLDC, Val: Str("a")}, `LDC "a"`},
		{Instruction{Op: OpLDC}, "LDC undefined"},
		{Instruction{Op: OpWHILE_MARK, Start: 3, End: 9}, "WHILE_MARK start=@3 end=@9"},
		{Instruction{Op: OpBREAK_CONT, Type: Break}, "BREAK_CONT break"},
		{Instruction{Op: OpPOP}, "POP"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
