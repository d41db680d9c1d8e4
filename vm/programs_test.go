package vm

import (
	"context"
	"testing"

	"github.com/chazu/goslang/pkg/bytecode"
)

// Hand-compiled programs shared by the machine and scheduler tests.
// Program frames start at 3: builtins occupy frames 0 and 1 and the
// constants frame 2.

var std = NewBuiltins()

// at returns the LD/ASSIGN operands for a builtin or constant.
func at(name string) (string, int, int) {
	p, ok := std.Position(name)
	if !ok {
		panic("no builtin " + name)
	}
	return name, p.Frame(), p.Slot()
}

// runProgram runs prog to completion and fails the test on a run error.
func runProgram(t *testing.T, prog bytecode.Program, opts Options) *Report {
	t.Helper()
	if err := prog.Validate(); err != nil {
		t.Fatalf("invalid test program: %v", err)
	}
	rep, err := Run(context.Background(), prog, opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return rep
}

// countingLoop is x := 0; for i := 0; i < 10; i = i + 1 { x = x + 1 }; x
func countingLoop() bytecode.Program {
	return bytecode.NewBuilder().
		EnterScope(1).
		LDC(bytecode.Num(0)).ASSIGN("x", 3, 0).POP().
		EnterScope(1).
		LDC(bytecode.Num(0)).ASSIGN("i", 4, 0).POP().
		WhileMark("start", "end").
		Label("start").
		LD("i", 4, 0).LDC(bytecode.Num(10)).BINOP("<").JOF("end").
		LD("x", 3, 0).LDC(bytecode.Num(1)).BINOP("+").ASSIGN("x", 3, 0).POP().
		LD("i", 4, 0).LDC(bytecode.Num(1)).BINOP("+").ASSIGN("i", 4, 0).POP().
		GOTO("start").
		Label("end").
		ExitWhile().
		ExitScope().
		LD("x", 3, 0).
		ExitScope().
		DONE().
		MustBuild()
}

// breakContinue counts the iterations that reach the end of the body in
//
//	for i < 10 { i = i + 1; if i == 3 { continue }; if i == 6 { break }; x = x + 1 }
//
// The continue sits inside a nested block so it unwinds a Blockframe.
func breakContinue() bytecode.Program {
	return bytecode.NewBuilder().
		EnterScope(2).
		LDC(bytecode.Num(0)).ASSIGN("x", 3, 0).POP().
		LDC(bytecode.Num(0)).ASSIGN("i", 3, 1).POP().
		WhileMark("start", "end").
		Label("start").
		LD("i", 3, 1).LDC(bytecode.Num(10)).BINOP("<").JOF("end").
		LD("i", 3, 1).LDC(bytecode.Num(1)).BINOP("+").ASSIGN("i", 3, 1).POP().
		LD("i", 3, 1).LDC(bytecode.Num(3)).BINOP("==").JOF("not3").
		EnterScope(0).Continue().ExitScope().
		Label("not3").
		LD("i", 3, 1).LDC(bytecode.Num(6)).BINOP("==").JOF("not6").
		Break().
		Label("not6").
		LD("x", 3, 0).LDC(bytecode.Num(1)).BINOP("+").ASSIGN("x", 3, 0).POP().
		GOTO("start").
		Label("end").
		ExitWhile().
		LD("x", 3, 0).
		ExitScope().
		DONE().
		MustBuild()
}

// factorial defines a recursive fact and returns fact(n).
func factorial(n float64) bytecode.Program {
	return bytecode.NewBuilder().
		EnterScope(1).
		LDF(1, "fact").ASSIGN("fact", 3, 0).POP().
		GOTO("after").
		Label("fact").
		LD("n", 4, 0).LDC(bytecode.Num(1)).BINOP("<=").JOF("rec").
		LDC(bytecode.Num(1)).RESET().
		Label("rec").
		LD("n", 4, 0).
		LD("fact", 3, 0).LD("n", 4, 0).LDC(bytecode.Num(1)).BINOP("-").CALL(1).
		BINOP("*").RESET().
		Label("after").
		LD("fact", 3, 0).LDC(bytecode.Num(n)).CALL(1).
		ExitScope().
		DONE().
		MustBuild()
}

// sumTo returns sum(n, 0) for an accumulator-passing sum. With tail set
// the recursive call is a TAIL_CALL.
func sumTo(n float64, tail bool) bytecode.Program {
	b := bytecode.NewBuilder().
		EnterScope(1).
		LDF(2, "sum").ASSIGN("sum", 3, 0).POP().
		GOTO("after").
		Label("sum").
		LD("n", 4, 0).LDC(bytecode.Num(0)).BINOP("==").JOF("rec").
		LD("acc", 4, 1).RESET().
		Label("rec").
		LD("sum", 3, 0).
		LD("n", 4, 0).LDC(bytecode.Num(1)).BINOP("-").
		LD("acc", 4, 1).LD("n", 4, 0).BINOP("+")
	if tail {
		b.TailCall(2)
	} else {
		b.CALL(2).RESET()
	}
	return b.
		Label("after").
		LD("sum", 3, 0).LDC(bytecode.Num(n)).LDC(bytecode.Num(0)).CALL(2).
		ExitScope().
		DONE().
		MustBuild()
}

// counter spawns ten goroutines that each increment a shared counter,
// optionally under a mutex, and waits for them on a WaitGroup. Each
// goroutine idles between reading and writing the counter so the
// unlocked variant races when run with a small timeslice.
func counter(locked bool) bytecode.Program {
	b := bytecode.NewBuilder().
		EnterScope(5). // counter, mu, wg, worker, i
		LDC(bytecode.Num(0)).ASSIGN("counter", 3, 0).POP().
		LD(at("Mutex")).CALL(0).ASSIGN("mu", 3, 1).POP().
		LD(at("WaitGroup")).CALL(0).ASSIGN("wg", 3, 2).POP().
		LDF(0, "worker").ASSIGN("worker", 3, 3).POP().
		GOTO("main")

	b.Label("worker").EnterScope(1)
	if locked {
		b.LD("mu", 3, 1).MUTEX(bytecode.Lock).POP()
	}
	b.LD("counter", 3, 0).ASSIGN("v", 5, 0).POP()
	for i := 0; i < 20; i++ {
		b.LDC(bytecode.Num(0)).POP()
	}
	b.LD("v", 5, 0).LDC(bytecode.Num(1)).BINOP("+").ASSIGN("counter", 3, 0).POP()
	if locked {
		b.LD("mu", 3, 1).MUTEX(bytecode.Unlock).POP()
	}
	b.LD("wg", 3, 2).WAITGROUP(bytecode.Done).POP().
		ExitScope().
		LDC(bytecode.Undefined()).RESET()

	return b.
		Label("main").
		LDC(bytecode.Num(0)).ASSIGN("i", 3, 4).POP().
		WhileMark("start", "end").
		Label("start").
		LD("i", 3, 4).LDC(bytecode.Num(10)).BINOP("<").JOF("end").
		LD("wg", 3, 2).WAITGROUP(bytecode.Add).POP().
		LD("worker", 3, 3).GO(0).POP().
		LD("i", 3, 4).LDC(bytecode.Num(1)).BINOP("+").ASSIGN("i", 3, 4).POP().
		GOTO("start").
		Label("end").
		ExitWhile().
		LD("wg", 3, 2).WAITGROUP(bytecode.Wait).POP().
		LD("counter", 3, 0).
		ExitScope().
		DONE().
		MustBuild()
}

// rendezvous sends 42 from a goroutine over an unbuffered channel and
// returns what main receives.
func rendezvous() bytecode.Program {
	return bytecode.NewBuilder().
		EnterScope(1).
		LD(at("Channel")).LDC(bytecode.Num(0)).CALL(1).ASSIGN("ch", 3, 0).POP().
		LDF(0, "sender").GO(0).POP().
		GOTO("main").
		Label("sender").
		LD("ch", 3, 0).LDC(bytecode.Num(42)).SEND().
		LDC(bytecode.Undefined()).RESET().
		Label("main").
		LD("ch", 3, 0).RECEIVE().
		ExitScope().
		DONE().
		MustBuild()
}

// spinForever is a body that never finishes.
func spinForever(b *bytecode.Builder, label string) *bytecode.Builder {
	return b.Label(label).GOTO(label)
}
