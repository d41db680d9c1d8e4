package bytecode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Instruction is one decoded machine instruction. Only the fields named
// in the opcode's metadata are meaningful; the rest stay zero.
type Instruction struct {
	Op       Opcode  `json:"tag" yaml:"tag" cbor:"1,keyasint"`
	Val      Literal `json:"val,omitzero" yaml:"val,omitempty" cbor:"2,keyasint,omitempty"`
	Sym      string  `json:"sym,omitempty" yaml:"sym,omitempty" cbor:"3,keyasint,omitempty"`
	Pos      Pos     `json:"pos,omitzero" yaml:"pos,flow,omitempty" cbor:"4,keyasint"`
	Addr     int     `json:"addr,omitempty" yaml:"addr,omitempty" cbor:"5,keyasint,omitempty"`
	Arity    int     `json:"arity,omitempty" yaml:"arity,omitempty" cbor:"6,keyasint,omitempty"`
	Start    int     `json:"start,omitempty" yaml:"start,omitempty" cbor:"7,keyasint,omitempty"`
	End      int     `json:"end,omitempty" yaml:"end,omitempty" cbor:"8,keyasint,omitempty"`
	Num      int     `json:"num,omitempty" yaml:"num,omitempty" cbor:"9,keyasint,omitempty"`
	InitSize int     `json:"init_size,omitempty" yaml:"init_size,omitempty" cbor:"10,keyasint,omitempty"`
	Type     string  `json:"type,omitempty" yaml:"type,omitempty" cbor:"11,keyasint,omitempty"`
}

// absent marks a val key missing from a YAML instruction.
type absent struct{}

// UnmarshalYAML decodes an instruction. yaml.v2 does not hand null
// scalars to field unmarshalers, so an explicit `val: null` is detected
// separately from a missing val.
func (in *Instruction) UnmarshalYAML(unmarshal func(any) error) error {
	type plain Instruction
	if err := unmarshal((*plain)(in)); err != nil {
		return err
	}
	probe := struct {
		Val any `yaml:"val"`
	}{Val: absent{}}
	if err := unmarshal(&probe); err != nil {
		return err
	}
	if probe.Val == nil {
		in.Val = Null()
	}
	return nil
}

// Pos is a lexical address: frame index counted from the outermost frame
// of the global environment, then slot index within that frame.
type Pos [2]int

// Frame returns the frame index.
func (p Pos) Frame() int { return p[0] }

// Slot returns the slot index.
func (p Pos) Slot() int { return p[1] }

func (p Pos) String() string {
	return fmt.Sprintf("(%d,%d)", p[0], p[1])
}

// String renders the instruction's name followed by its operands.
func (in Instruction) String() string {
	var b bytes.Buffer
	b.WriteString(in.Op.String())
	for _, field := range GetOpcodeInfo(in.Op).Operands {
		b.WriteByte(' ')
		switch field {
		case "val":
			b.WriteString(in.Val.String())
		case "sym":
			b.WriteString(in.Sym)
		case "pos":
			b.WriteString(in.Pos.String())
		case "addr":
			b.WriteString("@" + strconv.Itoa(in.Addr))
		case "arity":
			b.WriteString("arity=" + strconv.Itoa(in.Arity))
		case "start":
			b.WriteString("start=@" + strconv.Itoa(in.Start))
		case "end":
			b.WriteString("end=@" + strconv.Itoa(in.End))
		case "num":
			b.WriteString("num=" + strconv.Itoa(in.Num))
		case "init_size":
			b.WriteString("init=" + strconv.Itoa(in.InitSize))
		case "type":
			b.WriteString(in.Type)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// LiteralKind distinguishes the five literal forms LDC can load.
type LiteralKind uint8

const (
	KindUndefined LiteralKind = iota
	KindNull
	KindBool
	KindNumber
	KindString
)

func (k LiteralKind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("LiteralKind(%d)", k)
	}
}

// Literal is a constant operand. The zero Literal is undefined.
type Literal struct {
	Kind LiteralKind
	Bool bool
	Num  float64
	Str  string
}

// Constructors for literals.
func Undefined() Literal { return Literal{} }
func Null() Literal { return Literal{Kind: KindNull} }
func Bool(b bool) Literal { return Literal{Kind: KindBool, Bool: b} }
func Num(f float64) Literal { return Literal{Kind: KindNumber, Num: f} }
func Str(s string) Literal { return Literal{Kind: KindString, Str: s} }

// IsZero reports whether the literal is undefined, which encoders omit.
func (l Literal) IsZero() bool { return l.Kind == KindUndefined }

// Host returns the literal as a host value: nil for null and undefined.
func (l Literal) Host() any {
	switch l.Kind {
	case KindBool:
		return l.Bool
	case KindNumber:
		return l.Num
	case KindString:
		return l.Str
	}
	return nil
}

func (l Literal) String() string {
	switch l.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(l.Bool)
	case KindNumber:
		return strconv.FormatFloat(l.Num, 'g', -1, 64)
	case KindString:
		return strconv.Quote(l.Str)
	}
	return "undefined"
}

// literalFromHost classifies a decoded scalar.
func literalFromHost(v any) (Literal, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Num(x), nil
	case float32:
		return Num(float64(x)), nil
	case int:
		return Num(float64(x)), nil
	case int64:
		return Num(float64(x)), nil
	case uint64:
		return Num(float64(x)), nil
	case string:
		return Str(x), nil
	}
	return Literal{}, fmt.Errorf("bytecode: unsupported literal %T", v)
}

// MarshalJSON encodes the literal as a JSON scalar. Undefined has no JSON
// form and is omitted by the instruction encoder.
func (l Literal) MarshalJSON() ([]byte, error) {
	if l.Kind == KindUndefined {
		return nil, fmt.Errorf("bytecode: undefined literal has no JSON form")
	}
	return json.Marshal(l.Host())
}

// UnmarshalJSON decodes a JSON scalar; null decodes to the null literal.
func (l *Literal) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	lit, err := literalFromHost(v)
	if err != nil {
		return err
	}
	*l = lit
	return nil
}

// MarshalYAML encodes the literal as a YAML scalar.
func (l Literal) MarshalYAML() (any, error) {
	return l.Host(), nil
}

// UnmarshalYAML decodes a YAML scalar.
func (l *Literal) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	lit, err := literalFromHost(v)
	if err != nil {
		return err
	}
	*l = lit
	return nil
}

// CBOR simple values for null and undefined.
var (
	cborNull      = []byte{0xf6}
	cborUndefined = []byte{0xf7}
)

// MarshalCBOR encodes the literal, using the CBOR undefined simple value
// for undefined.
func (l Literal) MarshalCBOR() ([]byte, error) {
	switch l.Kind {
	case KindUndefined:
		return cborUndefined, nil
	case KindNull:
		return cborNull, nil
	}
	return encMode.Marshal(l.Host())
}

// UnmarshalCBOR decodes a literal.
func (l *Literal) UnmarshalCBOR(data []byte) error {
	switch {
	case bytes.Equal(data, cborUndefined):
		*l = Undefined()
		return nil
	case bytes.Equal(data, cborNull):
		*l = Null()
		return nil
	}
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	lit, err := literalFromHost(v)
	if err != nil {
		return err
	}
	*l = lit
	return nil
}
