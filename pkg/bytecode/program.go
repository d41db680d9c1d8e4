package bytecode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// MaxArity bounds the argument count of calls and closures; frames hold
// at most this many slots.
const MaxArity = 19

// MaxAddress is the largest instruction address a closure or frame can
// record.
const MaxAddress = 65535

// Program is a flat instruction sequence. Execution starts at address 0
// and a well-formed program ends with DONE.
type Program []Instruction

// Hash returns the SHA-256 of the program's canonical CBOR encoding.
func (p Program) Hash() [32]byte {
	data, err := EncodeCBOR(p)
	if err != nil {
		// Every Program value encodes; an error here is a bug.
		panic(fmt.Sprintf("bytecode: hash: %v", err))
	}
	return sha256.Sum256(data)
}

// HashString returns Hash as lowercase hex.
func (p Program) HashString() string {
	h := p.Hash()
	return hex.EncodeToString(h[:])
}

// Problem is one validation finding at an instruction address.
type Problem struct {
	PC  int
	Msg string
}

func (p Problem) String() string {
	return fmt.Sprintf("@%d: %s", p.PC, p.Msg)
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "bytecode: " + e.Problems[0].String()
	}
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("bytecode: %d problems: %s", len(e.Problems), strings.Join(parts, "; "))
}

// Validate checks the program's static shape: known opcodes, operand
// ranges, jump targets inside the program and a trailing DONE. The
// machine does not require a validated program; it faults at run time
// on the same conditions.
func (p Program) Validate() error {
	var problems []Problem
	add := func(pc int, format string, args ...any) {
		problems = append(problems, Problem{PC: pc, Msg: fmt.Sprintf(format, args...)})
	}
	target := func(pc int, name string, addr int) {
		if addr < 0 || addr >= len(p) {
			add(pc, "%s target @%d outside program of %d instructions", name, addr, len(p))
		} else if addr > MaxAddress {
			add(pc, "%s target @%d exceeds %d", name, addr, MaxAddress)
		}
	}

	if len(p) == 0 {
		return &ValidationError{Problems: []Problem{{PC: 0, Msg: "empty program"}}}
	}

	for pc, in := range p {
		switch in.Op {
		case OpLD, OpASSIGN:
			if in.Pos.Frame() < 0 || in.Pos.Slot() < 0 {
				add(pc, "negative position %s", in.Pos)
			}
		case OpUNOP:
			if !slices.Contains(UnaryOperators, in.Sym) {
				add(pc, "unknown unary operator %q", in.Sym)
			}
		case OpBINOP:
			if !slices.Contains(BinaryOperators, in.Sym) {
				add(pc, "unknown binary operator %q", in.Sym)
			}
		case OpJOF, OpGOTO:
			target(pc, in.Op.String(), in.Addr)
		case OpLDF:
			target(pc, "LDF", in.Addr)
			if in.Arity < 0 || in.Arity > MaxArity {
				add(pc, "arity %d outside 0..%d", in.Arity, MaxArity)
			}
		case OpCALL, OpTAIL_CALL, OpGO:
			if in.Arity < 0 || in.Arity > MaxArity {
				add(pc, "arity %d outside 0..%d", in.Arity, MaxArity)
			}
		case OpENTER_SCOPE:
			if in.Num < 0 || in.Num > MaxArity {
				add(pc, "scope of %d slots outside 0..%d", in.Num, MaxArity)
			}
		case OpWHILE_MARK:
			target(pc, "loop start", in.Start)
			target(pc, "loop end", in.End)
		case OpBREAK_CONT:
			if in.Type != Break && in.Type != Continue {
				add(pc, "BREAK_CONT type %q, want %q or %q", in.Type, Break, Continue)
			}
		case OpMUTEX:
			if in.Type != Lock && in.Type != Unlock {
				add(pc, "MUTEX type %q, want %q or %q", in.Type, Lock, Unlock)
			}
		case OpWAITGROUP:
			if in.Type != Add && in.Type != Done && in.Type != Wait {
				add(pc, "WAITGROUP type %q, want Add, Done or Wait", in.Type)
			}
		case OpSLICE_CREATE:
			if in.InitSize < 0 || in.InitSize > MaxArity {
				add(pc, "initial size %d outside 0..%d", in.InitSize, MaxArity)
			}
		default:
			if !in.Op.Valid() {
				add(pc, "unknown opcode 0x%02X", byte(in.Op))
			}
		}
	}
	if last := len(p) - 1; p[last].Op != OpDONE {
		add(last, "program does not end with DONE")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
