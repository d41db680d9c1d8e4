package bytecode

import "fmt"

// Builder assembles a Program with symbolic labels, for tests and tools
// that emit bytecode by hand. Label references are resolved by Build.
//
//	b := NewBuilder()
//	b.LDC(Num(1)).JOF("else")...
//	b.Label("else")
type Builder struct {
	code   Program
	labels map[string]int
	fixups []fixup
	err    error
}

type fixup struct {
	pc    int
	field string
	label string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]int)}
}

// PC returns the address of the next emitted instruction.
func (b *Builder) PC() int {
	return len(b.code)
}

// Emit appends a raw instruction.
func (b *Builder) Emit(in Instruction) *Builder {
	b.code = append(b.code, in)
	return b
}

// Label binds name to the next instruction address.
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup && b.err == nil {
		b.err = fmt.Errorf("bytecode: label %q defined twice", name)
	}
	b.labels[name] = len(b.code)
	return b
}

func (b *Builder) ref(field, label string) {
	b.fixups = append(b.fixups, fixup{pc: len(b.code) - 1, field: field, label: label})
}

func (b *Builder) LDC(v Literal) *Builder {
	return b.Emit(Instruction{Op: OpLDC, Val: v})
}

func (b *Builder) LD(sym string, frame, slot int) *Builder {
	return b.Emit(Instruction{Op: OpLD, Sym: sym, Pos: Pos{frame, slot}})
}

func (b *Builder) ASSIGN(sym string, frame, slot int) *Builder {
	return b.Emit(Instruction{Op: OpASSIGN, Sym: sym, Pos: Pos{frame, slot}})
}

func (b *Builder) POP() *Builder { return b.Emit(Instruction{Op: OpPOP}) }

func (b *Builder) UNOP(sym string) *Builder {
	return b.Emit(Instruction{Op: OpUNOP, Sym: sym})
}

func (b *Builder) BINOP(sym string) *Builder {
	return b.Emit(Instruction{Op: OpBINOP, Sym: sym})
}

func (b *Builder) JOF(label string) *Builder {
	b.Emit(Instruction{Op: OpJOF})
	b.ref("addr", label)
	return b
}

func (b *Builder) GOTO(label string) *Builder {
	b.Emit(Instruction{Op: OpGOTO})
	b.ref("addr", label)
	return b
}

func (b *Builder) EnterScope(num int) *Builder {
	return b.Emit(Instruction{Op: OpENTER_SCOPE, Num: num})
}

func (b *Builder) ExitScope() *Builder { return b.Emit(Instruction{Op: OpEXIT_SCOPE}) }

// WhileMark records the loop's start and end labels.
func (b *Builder) WhileMark(start, end string) *Builder {
	b.Emit(Instruction{Op: OpWHILE_MARK})
	b.ref("start", start)
	b.ref("end", end)
	return b
}

func (b *Builder) ExitWhile() *Builder { return b.Emit(Instruction{Op: OpEXIT_WHILE}) }

func (b *Builder) Break() *Builder {
	return b.Emit(Instruction{Op: OpBREAK_CONT, Type: Break})
}

func (b *Builder) Continue() *Builder {
	return b.Emit(Instruction{Op: OpBREAK_CONT, Type: Continue})
}

func (b *Builder) DONE() *Builder { return b.Emit(Instruction{Op: OpDONE}) }

// LDF loads a closure whose body starts at label.
func (b *Builder) LDF(arity int, label string) *Builder {
	b.Emit(Instruction{Op: OpLDF, Arity: arity})
	b.ref("addr", label)
	return b
}

func (b *Builder) CALL(arity int) *Builder {
	return b.Emit(Instruction{Op: OpCALL, Arity: arity})
}

func (b *Builder) TailCall(arity int) *Builder {
	return b.Emit(Instruction{Op: OpTAIL_CALL, Arity: arity})
}

func (b *Builder) RESET() *Builder { return b.Emit(Instruction{Op: OpRESET}) }

func (b *Builder) GO(arity int) *Builder {
	return b.Emit(Instruction{Op: OpGO, Arity: arity})
}

func (b *Builder) SEND() *Builder { return b.Emit(Instruction{Op: OpSEND}) }
func (b *Builder) RECEIVE() *Builder { return b.Emit(Instruction{Op: OpRECEIVE}) }

func (b *Builder) MUTEX(kind string) *Builder {
	return b.Emit(Instruction{Op: OpMUTEX, Type: kind})
}

func (b *Builder) WAITGROUP(kind string) *Builder {
	return b.Emit(Instruction{Op: OpWAITGROUP, Type: kind})
}

func (b *Builder) SliceCreate(initSize int) *Builder {
	return b.Emit(Instruction{Op: OpSLICE_CREATE, InitSize: initSize})
}

func (b *Builder) CutSlice() *Builder { return b.Emit(Instruction{Op: OpCUT_SLICE}) }
func (b *Builder) SliceGet() *Builder { return b.Emit(Instruction{Op: OpSLICE_GET_ELEMENT}) }
func (b *Builder) SliceSet() *Builder { return b.Emit(Instruction{Op: OpSLICE_SET_ELEMENT}) }

// Build resolves labels and returns the program.
func (b *Builder) Build() (Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	code := append(Program(nil), b.code...)
	for _, f := range b.fixups {
		addr, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("bytecode: undefined label %q at @%d", f.label, f.pc)
		}
		switch f.field {
		case "addr":
			code[f.pc].Addr = addr
		case "start":
			code[f.pc].Start = addr
		case "end":
			code[f.pc].End = addr
		}
	}
	return code, nil
}

// MustBuild is Build for fixed programs; it panics on a label error.
func (b *Builder) MustBuild() Program {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
