package vm

import (
	"math"

	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/vm/errs"
	"github.com/chazu/goslang/vm/heap"
)

// Every microcode function leaves its operands on the operand stack until
// its last allocation has happened, so a collection triggered midway
// still sees them as roots.

type microfn func(m *Machine, in *bytecode.Instruction) error

var microcode = [...]microfn{
	bytecode.OpLDC:    (*Machine).ldc,
	bytecode.OpLD:     (*Machine).ld,
	bytecode.OpASSIGN: (*Machine).assign,
	bytecode.OpPOP:    (*Machine).popOp,

	bytecode.OpUNOP:  (*Machine).unop,
	bytecode.OpBINOP: (*Machine).binop,

	bytecode.OpJOF:         (*Machine).jof,
	bytecode.OpGOTO:        (*Machine).gotoOp,
	bytecode.OpENTER_SCOPE: (*Machine).enterScope,
	bytecode.OpEXIT_SCOPE:  (*Machine).exitScope,
	bytecode.OpWHILE_MARK:  (*Machine).whileMark,
	bytecode.OpEXIT_WHILE:  (*Machine).exitWhile,
	bytecode.OpBREAK_CONT:  (*Machine).breakCont,

	bytecode.OpLDF:       (*Machine).ldf,
	bytecode.OpCALL:      (*Machine).call,
	bytecode.OpTAIL_CALL: (*Machine).tailCall,
	bytecode.OpRESET:     (*Machine).reset,
	bytecode.OpGO:        (*Machine).spawn,

	bytecode.OpSEND:      (*Machine).send,
	bytecode.OpRECEIVE:   (*Machine).receive,
	bytecode.OpMUTEX:     (*Machine).mutex,
	bytecode.OpWAITGROUP: (*Machine).waitgroup,

	bytecode.OpSLICE_CREATE:      (*Machine).sliceCreate,
	bytecode.OpCUT_SLICE:         (*Machine).cutSlice,
	bytecode.OpSLICE_GET_ELEMENT: (*Machine).sliceGet,
	bytecode.OpSLICE_SET_ELEMENT: (*Machine).sliceSet,
}

// ---------------------------------------------------------------------------
// Values and variables
// ---------------------------------------------------------------------------

func (m *Machine) ldc(in *bytecode.Instruction) error {
	h := m.heap
	switch v := in.Val; v.Kind {
	case bytecode.KindUndefined:
		m.push(h.Undefined)
	case bytecode.KindNull:
		m.push(h.Null)
	case bytecode.KindBool:
		m.push(h.Bool(v.Bool))
	case bytecode.KindNumber:
		m.push(h.AllocateNumber(v.Num))
	case bytecode.KindString:
		m.push(h.AllocateString(v.Str))
	default:
		return errs.New(errs.Fault, "unknown literal kind %v", v.Kind)
	}
	return nil
}

func (m *Machine) ld(in *bytecode.Instruction) error {
	v := m.heap.EnvironmentValue(m.env, in.Pos.Frame(), in.Pos.Slot())
	if v == m.heap.Unassigned {
		return errs.New(errs.UnassignedAccess, "access of unassigned variable %q", in.Sym)
	}
	m.push(v)
	return nil
}

func (m *Machine) assign(in *bytecode.Instruction) error {
	m.heap.SetEnvironmentValue(m.env, in.Pos.Frame(), in.Pos.Slot(), m.peek(0))
	return nil
}

func (m *Machine) popOp(*bytecode.Instruction) error {
	m.pop()
	return nil
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func (m *Machine) unop(in *bytecode.Instruction) error {
	h := m.heap
	x := m.peek(0)
	var r heap.Address
	switch in.Sym {
	case "-", "-unary":
		if !h.Is(x, heap.TagNumber) {
			return errs.New(errs.TypeMismatch, "operator - expects a number, got %s", h.Tag(x))
		}
		r = h.AllocateNumber(-h.NumberValue(x))
	case "!":
		if !h.IsBoolean(x) {
			return errs.New(errs.TypeMismatch, "operator ! expects a boolean, got %s", h.Tag(x))
		}
		r = h.Bool(!h.BoolValue(x))
	default:
		return errs.New(errs.Fault, "unknown unary operator %q", in.Sym)
	}
	m.drop(1)
	m.push(r)
	return nil
}

func (m *Machine) binop(in *bytecode.Instruction) error {
	h := m.heap
	v2, v1 := m.peek(0), m.peek(1)
	var r heap.Address

	switch in.Sym {
	case "+":
		switch {
		case h.Is(v1, heap.TagNumber) && h.Is(v2, heap.TagNumber):
			r = h.AllocateNumber(h.NumberValue(v1) + h.NumberValue(v2))
		case h.Is(v1, heap.TagString) && h.Is(v2, heap.TagString):
			r = h.AllocateString(h.StringValue(v1) + h.StringValue(v2))
		default:
			return errs.New(errs.TypeMismatch, "operator + expects two numbers or two strings, got %s and %s", h.Tag(v1), h.Tag(v2))
		}
	case "==":
		r = h.Bool(m.equal(v1, v2))
	case "!=":
		r = h.Bool(!m.equal(v1, v2))
	default:
		if !h.Is(v1, heap.TagNumber) || !h.Is(v2, heap.TagNumber) {
			return errs.New(errs.TypeMismatch, "operator %s expects numbers, got %s and %s", in.Sym, h.Tag(v1), h.Tag(v2))
		}
		a, b := h.NumberValue(v1), h.NumberValue(v2)
		switch in.Sym {
		case "-":
			r = h.AllocateNumber(a - b)
		case "*":
			r = h.AllocateNumber(a * b)
		case "/":
			r = h.AllocateNumber(a / b)
		case "%":
			r = h.AllocateNumber(math.Mod(a, b))
		case "<":
			r = h.Bool(a < b)
		case "<=":
			r = h.Bool(a <= b)
		case ">=":
			r = h.Bool(a >= b)
		case ">":
			r = h.Bool(a > b)
		default:
			return errs.New(errs.Fault, "unknown binary operator %q", in.Sym)
		}
	}
	m.drop(2)
	m.push(r)
	return nil
}

// equal compares numbers and strings by value and everything else by
// identity.
func (m *Machine) equal(a, b heap.Address) bool {
	h := m.heap
	switch ta, tb := h.Tag(a), h.Tag(b); {
	case ta == heap.TagNumber && tb == heap.TagNumber:
		return h.NumberValue(a) == h.NumberValue(b)
	case ta == heap.TagString && tb == heap.TagString:
		return h.StringValue(a) == h.StringValue(b)
	}
	return a == b
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (m *Machine) jof(in *bytecode.Instruction) error {
	c := m.pop()
	if !m.heap.IsBoolean(c) {
		return errs.New(errs.TypeMismatch, "condition must be a boolean, got %s", m.heap.Tag(c))
	}
	if !m.heap.BoolValue(c) {
		m.pc = in.Addr
	}
	return nil
}

func (m *Machine) gotoOp(in *bytecode.Instruction) error {
	m.pc = in.Addr
	return nil
}

func (m *Machine) enterScope(in *bytecode.Instruction) error {
	h := m.heap
	m.pushFrame(h.AllocateBlockframe(m.env))
	f := h.AllocateFrame(in.Num)
	for i := 0; i < in.Num; i++ {
		h.SetChild(f, i, h.Unassigned)
	}
	m.env = h.ExtendEnvironment(f, m.env)
	return nil
}

func (m *Machine) exitScope(*bytecode.Instruction) error {
	m.env = m.heap.BlockframeEnvironment(m.popFrame("EXIT_SCOPE"))
	return nil
}

func (m *Machine) whileMark(in *bytecode.Instruction) error {
	m.pushFrame(m.heap.AllocateWhileframe(m.env, in.Start, in.End))
	return nil
}

func (m *Machine) exitWhile(*bytecode.Instruction) error {
	f := m.popFrame("EXIT_WHILE")
	if tag := m.heap.Tag(f); tag != heap.TagWhileframe {
		return errs.New(errs.Fault, "EXIT_WHILE expected Whileframe, got %s", tag)
	}
	return nil
}

// breakCont unwinds to the innermost loop. The Whileframe stays on the
// control stack: continue re-enters the loop test and break lands on
// EXIT_WHILE, which pops it.
func (m *Machine) breakCont(in *bytecode.Instruction) error {
	h := m.heap
	for {
		if len(m.rts) == 0 {
			return errs.New(errs.Fault, "%s outside a loop", in.Type)
		}
		f := m.rts[len(m.rts)-1]
		switch h.Tag(f) {
		case heap.TagWhileframe:
			m.env = h.WhileframeEnvironment(f)
			switch in.Type {
			case bytecode.Continue:
				m.pc = h.WhileframeStart(f)
			case bytecode.Break:
				m.pc = h.WhileframeEnd(f)
			default:
				return errs.New(errs.Fault, "unknown BREAK_CONT type %q", in.Type)
			}
			return nil
		case heap.TagCallframe:
			return errs.New(errs.Fault, "%s cannot cross a function boundary", in.Type)
		}
		m.rts = m.rts[:len(m.rts)-1]
	}
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func (m *Machine) ldf(in *bytecode.Instruction) error {
	m.push(m.heap.AllocateClosure(in.Arity, in.Addr, m.env))
	return nil
}

func (m *Machine) call(in *bytecode.Instruction) error {
	return m.apply(in.Arity, false)
}

func (m *Machine) tailCall(in *bytecode.Instruction) error {
	return m.apply(in.Arity, true)
}

// checkCallee returns the builtin for fn, or the zero Builtin for a
// closure, after checking arity.
func (m *Machine) checkCallee(fn heap.Address, arity int) (Builtin, error) {
	h := m.heap
	switch tag := h.Tag(fn); tag {
	case heap.TagBuiltin:
		b, ok := m.builtins.Lookup(h.BuiltinID(fn))
		if !ok {
			return Builtin{}, errs.New(errs.Fault, "unknown builtin id %d", h.BuiltinID(fn))
		}
		if b.Arity != arity {
			return Builtin{}, errs.New(errs.ArityMismatch, "%s expects %d arguments, got %d", b.Name, b.Arity, arity)
		}
		return b, nil
	case heap.TagClosure:
		if want := h.ClosureArity(fn); want != arity {
			return Builtin{}, errs.New(errs.ArityMismatch, "function expects %d arguments, got %d", want, arity)
		}
		return Builtin{}, nil
	default:
		return Builtin{}, errs.New(errs.NonCallable, "cannot call %s", tag)
	}
}

// bindArguments allocates the frame for a closure call from the top
// arity operands.
func (m *Machine) bindArguments(arity int) heap.Address {
	f := m.heap.AllocateFrame(arity)
	args := m.os[len(m.os)-arity:]
	for i, a := range args {
		m.heap.SetChild(f, i, a)
	}
	return f
}

// apply calls the callee below the top arity operands. A tail call
// reuses the caller's activation: no Callframe is pushed for a closure,
// and a builtin's result is returned to the caller straight away.
func (m *Machine) apply(arity int, tail bool) error {
	h := m.heap
	fn := m.peek(arity)
	b, err := m.checkCallee(fn, arity)
	if err != nil {
		return err
	}

	if b.Fn != nil {
		r, err := b.Fn(m, m.os[len(m.os)-arity:])
		if err != nil {
			return err
		}
		m.drop(arity + 1)
		m.push(r)
		if tail {
			return m.reset(nil)
		}
		return nil
	}

	if m.profiler != nil {
		m.profiler.RecordCall(h.ClosurePC(fn))
	}
	f := m.bindArguments(arity)
	defer h.Unpin(h.Pin(f))
	if !tail {
		m.pushFrame(h.AllocateCallframe(m.env, m.pc))
	}
	env := h.ExtendEnvironment(f, h.ClosureEnvironment(fn))
	m.pc = h.ClosurePC(fn)
	m.env = env
	m.drop(arity + 1)
	return nil
}

// reset returns to the innermost caller, discarding block and while
// frames on the way.
func (m *Machine) reset(*bytecode.Instruction) error {
	h := m.heap
	for {
		f := m.popFrame("RESET")
		if h.Tag(f) == heap.TagCallframe {
			m.pc = h.CallframePC(f)
			m.env = h.CallframeEnvironment(f)
			return nil
		}
	}
}

// spawn starts a goroutine. A builtin callee runs to completion inside
// the new machine; a closure callee starts with a Callframe returning to
// the program's final DONE.
func (m *Machine) spawn(in *bytecode.Instruction) error {
	h := m.heap
	arity := in.Arity
	fn := m.peek(arity)
	b, err := m.checkCallee(fn, arity)
	if err != nil {
		return err
	}

	g := m.fork()
	ok := false
	defer func() {
		if !ok {
			h.Detach(g)
		}
	}()
	g.id = -1

	if b.Fn != nil {
		g.os = append(g.os, m.os[len(m.os)-arity-1:]...)
		g.pc = len(m.prog) - 1
		g.runBuiltin(b)
	} else {
		f := m.bindArguments(arity)
		defer h.Unpin(h.Pin(f))
		g.pushFrame(h.AllocateCallframe(m.env, len(m.prog)-1))
		g.env = h.ExtendEnvironment(f, h.ClosureEnvironment(fn))
		g.pc = h.ClosurePC(fn)
	}

	ok = true
	m.drop(arity + 1)
	m.push(h.Undefined)
	m.spawned = append(m.spawned, g)
	log.Debugf("machine %d spawned a goroutine at @%d", m.id, g.pc)
	return nil
}

// runBuiltin applies b to the arguments on a spawned machine's stack and
// settles it. A failing builtin errors the spawned machine, never its parent.
func (m *Machine) runBuiltin(b Builtin) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(m.pc, errs.FromPanic(r))
		}
	}()
	r, err := b.Fn(m, m.os[1:])
	if err != nil {
		m.fail(m.pc, err)
		return
	}
	m.os = append(m.os[:0], r)
	m.state = Finished
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func (m *Machine) send(*bytecode.Instruction) error {
	h := m.heap
	v, ch := m.peek(0), m.peek(1)
	if !h.Is(ch, heap.TagChannel) {
		return errs.New(errs.TypeMismatch, "send on %s, not a channel", h.Tag(ch))
	}
	m.drop(2)
	if !h.PushChannelItem(ch, v) {
		m.block(BlockedSend, ch, v)
	}
	return nil
}

func (m *Machine) receive(*bytecode.Instruction) error {
	h := m.heap
	ch := m.peek(0)
	if !h.Is(ch, heap.TagChannel) {
		return errs.New(errs.TypeMismatch, "receive from %s, not a channel", h.Tag(ch))
	}
	m.drop(1)
	if v, ok := h.PopChannelItem(ch); ok {
		m.push(v)
	} else {
		m.block(BlockedReceive, ch, heap.NoAddress)
	}
	return nil
}

// mutex leaves the Mutex on the stack until the operation succeeds, so a
// retried Lock finds it again.
func (m *Machine) mutex(in *bytecode.Instruction) error {
	h := m.heap
	mu := m.peek(0)
	switch in.Type {
	case bytecode.Lock:
		if h.MutexValue(mu) != 0 {
			m.retry(FailedLock)
			return nil
		}
		h.SetMutexValue(mu, 1)
	case bytecode.Unlock:
		h.SetMutexValue(mu, 0)
	default:
		return errs.New(errs.Fault, "unknown MUTEX operation %q", in.Type)
	}
	m.drop(1)
	m.push(h.Null)
	return nil
}

func (m *Machine) waitgroup(in *bytecode.Instruction) error {
	h := m.heap
	wg := m.peek(0)
	switch n := h.WaitgroupValue(wg); in.Type {
	case bytecode.Add:
		h.SetWaitgroupValue(wg, n+1)
	case bytecode.Done:
		if n == 0 {
			return errs.New(errs.OutOfRange, "negative WaitGroup counter")
		}
		h.SetWaitgroupValue(wg, n-1)
	case bytecode.Wait:
		if n != 0 {
			m.retry(FailedWait)
			return nil
		}
	default:
		return errs.New(errs.Fault, "unknown WAITGROUP operation %q", in.Type)
	}
	m.drop(1)
	m.push(h.Null)
	return nil
}

// ---------------------------------------------------------------------------
// Slices
// ---------------------------------------------------------------------------

// sliceCreate builds a slice literal: init_size values followed by the
// slice size are on the stack.
func (m *Machine) sliceCreate(in *bytecode.Instruction) error {
	h := m.heap
	n := in.InitSize
	size := h.IntValue(m.peek(0))
	if n > size {
		return errs.New(errs.OutOfRange, "%d initial values for a slice of size %d", n, size)
	}
	m.need(n + 1)
	arr := h.AllocateArray(size)
	vals := m.os[len(m.os)-1-n : len(m.os)-1]
	for i, v := range vals {
		h.SetArrayElement(arr, i, v)
	}
	s := h.AllocateSlice(arr, 0, size)
	m.drop(n + 1)
	m.push(s)
	return nil
}

// isDefault reports whether a slice bound was omitted.
func (m *Machine) isDefault(a heap.Address) bool {
	return a == m.heap.Null || a == m.heap.Undefined
}

// cutSlice reslices: the stack holds slice, low, high and max, with
// omitted bounds as null. Bounds are relative to the slice's start.
func (m *Machine) cutSlice(*bytecode.Instruction) error {
	h := m.heap
	hi, lo, s := m.peek(1), m.peek(2), m.peek(3)
	if !h.Is(s, heap.TagSlice) {
		return errs.New(errs.TypeMismatch, "cannot slice %s", h.Tag(s))
	}

	start := 0
	if !m.isDefault(lo) {
		start = h.IntValue(lo)
	}
	if start < 0 {
		return errs.New(errs.OutOfRange, "negative slice index %d", start)
	}
	oldStart, oldCap, arr := h.SliceStart(s), h.SliceCap(s), h.SliceArray(s)
	newStart := oldStart + start
	newEnd := h.SliceEnd(s)
	if !m.isDefault(hi) {
		newEnd = oldStart + h.IntValue(hi)
	}
	if n := h.ArrayLen(arr); newEnd > n {
		return errs.New(errs.OutOfRange, "slice bounds out of range [:%d] with capacity %d", newEnd-oldStart, oldCap)
	}
	if newEnd-newStart > oldCap {
		return errs.New(errs.OutOfRange, "slice length %d exceeds capacity %d", newEnd-newStart, oldCap)
	}
	if newStart > newEnd {
		return errs.New(errs.OutOfRange, "invalid slice indices %d > %d", newStart-oldStart, newEnd-oldStart)
	}

	r := h.AllocateSlice(arr, newStart, newEnd)
	m.drop(4)
	m.push(r)
	return nil
}

func (m *Machine) sliceGet(*bytecode.Instruction) error {
	h := m.heap
	i, s := m.peek(0), m.peek(1)
	if !h.Is(s, heap.TagSlice) {
		return errs.New(errs.TypeMismatch, "cannot index %s", h.Tag(s))
	}
	v := h.SliceElement(s, h.IntValue(i))
	m.drop(2)
	m.push(v)
	return nil
}

// sliceSet stores through the slice: the stack holds value, slice and
// index. The value stays behind as the instruction's result.
func (m *Machine) sliceSet(*bytecode.Instruction) error {
	h := m.heap
	i, s, v := m.peek(0), m.peek(1), m.peek(2)
	if !h.Is(s, heap.TagSlice) {
		return errs.New(errs.TypeMismatch, "cannot index %s", h.Tag(s))
	}
	h.SetSliceElement(s, h.IntValue(i), v)
	m.drop(2)
	return nil
}
