package vm

import (
	"fmt"
	"io"

	"github.com/tliron/commonlog"

	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/vm/errs"
	"github.com/chazu/goslang/vm/heap"
)

var log = commonlog.GetLogger("goslang.vm")

// world is what every machine of one run shares.
type world struct {
	prog     bytecode.Program
	heap     *heap.Heap
	builtins *Builtins
	profiler *Profiler
	stdout   io.Writer
}

// Machine is one bytecode interpreter: the runtime counterpart of a
// goroutine. Machines of the same run share the program and the heap.
type Machine struct {
	*world
	id int

	os  []heap.Address // operand stack
	pc  int
	env heap.Address
	rts []heap.Address // control stack of call, block and while frames

	state State
	err   error

	// Channel and pending value of a blocked machine.
	ch  heap.Address
	val heap.Address

	output  []any
	final   any
	settled bool
	spawned []*Machine
}

// RunResult reports one call to Machine.Run.
//
// Ran counts completed instructions only. A Lock or Wait that has to be
// retried is counted, like the profiler's opcode counts, once it finally
// succeeds, so a machine spinning on a held mutex adds nothing to
// Report.Instructions while it waits.
type RunResult struct {
	State   State
	Ran     int        // instructions that completed
	Spawned []*Machine // machines created by GO, in order
}

// NewMachine creates a machine at address 0 of prog in the global
// environment of h and registers it as a root source. h must have been
// created with the frames of builtins.
func NewMachine(prog bytecode.Program, h *heap.Heap, builtins *Builtins) *Machine {
	return newMachine(&world{prog: prog, heap: h, builtins: builtins})
}

func newMachine(w *world) *Machine {
	m := &Machine{
		world: w,
		env:   w.heap.Global,
		ch:    heap.NoAddress,
		val:   heap.NoAddress,
	}
	w.heap.Attach(m)
	return m
}

// fork creates a machine sharing m's run.
func (m *Machine) fork() *Machine {
	return newMachine(m.world)
}

// ID returns the machine's index in its scheduler; the main machine is 0.
func (m *Machine) ID() int { return m.id }

// State returns the current scheduling state.
func (m *Machine) State() State { return m.state }

// Err returns the failure of an errored machine.
func (m *Machine) Err() error { return m.err }

// PC returns the program counter.
func (m *Machine) PC() int { return m.pc }

// Output returns the values passed to display, as host values.
func (m *Machine) Output() []any { return m.output }

// Heap returns the heap the machine allocates in.
func (m *Machine) Heap() *heap.Heap { return m.heap }

// FinalValue returns the host value on top of the operand stack of a
// finished machine, Undefined if the stack is empty, and nil otherwise.
func (m *Machine) FinalValue() any {
	if m.settled {
		return m.final
	}
	return m.finalValue()
}

func (m *Machine) finalValue() any {
	if m.state != Finished {
		return nil
	}
	if len(m.os) == 0 {
		return heap.Undefined{}
	}
	return m.heap.ToHost(m.os[len(m.os)-1])
}

// settle records the final value and releases the machine's roots. A
// settled machine can be reported after its nodes have been reclaimed.
func (m *Machine) settle() {
	if m.settled {
		return
	}
	m.final = m.finalValue()
	m.settled = true
	m.heap.Detach(m)
	m.os, m.rts = nil, nil
	m.ch, m.val = heap.NoAddress, heap.NoAddress
}

// VisitRoots reports every address the machine can still reach.
func (m *Machine) VisitRoots(visit func(heap.Address)) {
	for _, a := range m.os {
		visit(a)
	}
	visit(m.env)
	for _, a := range m.rts {
		visit(a)
	}
	if m.ch != heap.NoAddress {
		visit(m.ch)
	}
	if m.val != heap.NoAddress {
		visit(m.val)
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Run executes up to max instructions. It stops early when the machine
// reaches DONE, fails, blocks on a channel, or must retry a Lock or Wait.
// Failures never propagate: they move the machine to Errored.
func (m *Machine) Run(max int) RunResult {
	m.spawned = nil
	if m.state.Terminal() || m.state.Blocked() {
		return RunResult{State: m.state}
	}
	m.state = Default

	ran := 0
	for ran < max {
		at := m.pc
		if at < 0 || at >= len(m.prog) {
			m.fail(at, errs.New(errs.Fault, "program counter outside program of %d instructions", len(m.prog)))
			break
		}
		in := &m.prog[at]
		if in.Op == bytecode.OpDONE {
			m.state = Finished
			break
		}
		m.pc++
		if err := m.step(in); err != nil {
			m.fail(at, err)
			break
		}
		if m.state.Retrying() {
			break
		}
		ran++
		if m.profiler != nil {
			m.profiler.RecordOp(in.Op)
		}
		if m.state.Blocked() {
			break
		}
	}
	if m.state == Default && m.pc >= 0 && m.pc < len(m.prog) && m.prog[m.pc].Op == bytecode.OpDONE {
		m.state = Finished
	}
	return RunResult{State: m.state, Ran: ran, Spawned: m.spawned}
}

// step executes one instruction, turning heap panics into errors.
func (m *Machine) step(in *bytecode.Instruction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.FromPanic(r)
		}
	}()
	if int(in.Op) >= len(microcode) || microcode[in.Op] == nil {
		return errs.New(errs.Fault, "unknown instruction 0x%02X", byte(in.Op))
	}
	return microcode[in.Op](m, in)
}

func (m *Machine) fail(at int, err error) {
	m.state = Errored
	m.err = fmt.Errorf("@%d: %w", at, err)
	log.Debugf("machine %d errored: %v", m.id, m.err)
}

// retry rewinds to the current instruction and yields with s, a Retrying
// state. The instruction runs again on the machine's next timeslice.
func (m *Machine) retry(s State) {
	m.state = s
	m.pc--
}

// block parks the machine on ch until the scheduler wakes it. The
// instruction is not rewound.
func (m *Machine) block(s State, ch, val heap.Address) {
	m.state = s
	m.ch = ch
	m.val = val
}

// unblock returns a blocked machine to Default.
func (m *Machine) unblock() {
	m.state = Default
	m.ch = heap.NoAddress
	m.val = heap.NoAddress
}

// deliver completes a blocked receive with v.
func (m *Machine) deliver(v heap.Address) {
	m.push(v)
	m.unblock()
}

// display records v in the output log.
func (m *Machine) display(v heap.Address) {
	host := m.heap.ToHost(v)
	m.output = append(m.output, host)
	if m.stdout != nil {
		fmt.Fprintln(m.stdout, heap.Format(host))
	}
}

// ---------------------------------------------------------------------------
// Stacks
// ---------------------------------------------------------------------------

func (m *Machine) push(a heap.Address) {
	m.os = append(m.os, a)
}

func (m *Machine) need(n int) {
	if len(m.os) < n {
		panic(errs.New(errs.Fault, "operand stack underflow: need %d, have %d", n, len(m.os)))
	}
}

func (m *Machine) pop() heap.Address {
	m.need(1)
	a := m.os[len(m.os)-1]
	m.os = m.os[:len(m.os)-1]
	return a
}

// peek returns the operand i places below the top.
func (m *Machine) peek(i int) heap.Address {
	m.need(i + 1)
	return m.os[len(m.os)-1-i]
}

func (m *Machine) drop(n int) {
	m.need(n)
	m.os = m.os[:len(m.os)-n]
}

func (m *Machine) pushFrame(a heap.Address) {
	m.rts = append(m.rts, a)
}

func (m *Machine) popFrame(what string) heap.Address {
	if len(m.rts) == 0 {
		panic(errs.New(errs.Fault, "%s with empty control stack", what))
	}
	a := m.rts[len(m.rts)-1]
	m.rts = m.rts[:len(m.rts)-1]
	return a
}
