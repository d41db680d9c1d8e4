package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/vm/errs"
	"github.com/chazu/goslang/vm/heap"
)

// Scheduler defaults.
const (
	DefaultTimeslice       = 100
	DefaultDeadlockRetries = 5
)

// Options configures a Scheduler. The zero value uses the defaults.
type Options struct {
	HeapWords       int  // heap capacity in words; 0 means heap.DefaultWords
	Timeslice       int  // instructions per machine per round; 0 means DefaultTimeslice
	DisableGC       bool // fail allocation instead of collecting
	DeadlockRetries int  // stalled rounds tolerated; 0 means DefaultDeadlockRetries
	Profile         bool // collect per-opcode and per-function counters

	// NormalizeStrings interns strings by their NFC form, so canonically
	// equivalent text compares equal.
	NormalizeStrings bool

	// Stdout receives display output as it happens. Output is always
	// recorded in the report.
	Stdout io.Writer

	// Builtins replaces the standard table from NewBuiltins.
	Builtins *Builtins
}

func (o Options) withDefaults() Options {
	if o.Timeslice <= 0 {
		o.Timeslice = DefaultTimeslice
	}
	if o.DeadlockRetries <= 0 {
		o.DeadlockRetries = DefaultDeadlockRetries
	}
	if o.Builtins == nil {
		o.Builtins = NewBuiltins()
	}
	return o
}

// Scheduler runs every machine of one program round-robin on a single
// heap. Machine 0 is the main machine.
type Scheduler struct {
	opts     Options
	heap     *heap.Heap
	world    *world
	machines []*Machine
}

// NewScheduler creates the heap for prog and its main machine.
func NewScheduler(prog bytecode.Program, opts Options) (*Scheduler, error) {
	opts = opts.withDefaults()
	if len(prog) == 0 {
		return nil, fmt.Errorf("vm: %w", errs.New(errs.Fault, "empty program"))
	}
	h, err := heap.New(opts.Builtins.HeapOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("vm: creating heap: %w", err)
	}
	w := &world{prog: prog, heap: h, builtins: opts.Builtins, stdout: opts.Stdout}
	if opts.Profile {
		w.profiler = NewProfiler()
	}
	s := &Scheduler{opts: opts, heap: h, world: w}
	s.machines = []*Machine{newMachine(w)}
	return s, nil
}

// Heap returns the shared heap.
func (s *Scheduler) Heap() *heap.Heap { return s.heap }

// Machines returns every machine created so far, in creation order.
func (s *Scheduler) Machines() []*Machine { return s.machines }

// Profiler returns the run's profiler, or nil when profiling is off.
func (s *Scheduler) Profiler() *Profiler { return s.world.profiler }

// Run executes rounds until the main machine ends, every machine is
// terminal, the run deadlocks, or ctx is cancelled. The report is
// returned in every case; the error is non-nil for deadlock and
// cancellation only. A machine failing is reported in its MachineReport.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{}
	stall := 0

	finish := func(err error) (*Report, error) {
		for _, m := range s.machines {
			m.settle()
		}
		rep.Machines = make([]MachineReport, len(s.machines))
		for i, m := range s.machines {
			rep.Machines[i] = reportMachine(m)
		}
		rep.Heap = s.heap.Stats()
		if p := s.world.profiler; p != nil {
			stats := p.Stats()
			rep.Profile = &stats
		}
		rep.Elapsed = time.Since(start)
		return rep, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(fmt.Errorf("vm: run cancelled after %d rounds: %w", rep.Rounds, err))
		}
		rep.Rounds++

		ran, live := s.round(rep)
		main := s.machines[0]
		if main.state == Finished {
			log.Debugf("main finished after %d rounds, abandoning %d machines", rep.Rounds, live)
			return finish(nil)
		}
		if live == 0 {
			return finish(nil)
		}

		unblocked := s.resolve()
		if ran+unblocked > 0 {
			stall = 0
			continue
		}
		stall++
		if stall > s.opts.DeadlockRetries {
			err := s.deadlock()
			log.Warningf("%v", err)
			return finish(err)
		}
	}
}

// round gives every runnable machine one timeslice. It returns the
// instructions executed and the number of machines not yet terminal.
func (s *Scheduler) round(rep *Report) (ran, live int) {
	// machines grows while iterating: spawned machines run this round.
	for i := 0; i < len(s.machines); i++ {
		m := s.machines[i]
		if m.state.Terminal() {
			continue
		}
		if m.state.Blocked() {
			live++
			continue
		}
		res := m.Run(s.opts.Timeslice)
		ran += res.Ran
		rep.Instructions += uint64(res.Ran)
		for _, g := range res.Spawned {
			g.id = len(s.machines)
			s.machines = append(s.machines, g)
			if g.state.Terminal() {
				g.settle()
			}
		}
		if res.State.Terminal() {
			m.settle()
			if i == 0 && res.State == Finished {
				return ran, live
			}
			continue
		}
		live++
	}
	return ran, live
}

// resolve wakes blocked machines in three passes: direct hand-off between a
// sender and a receiver on an empty channel, then sends into free buffer
// space, then receives from buffered items. It returns the number of
// machines woken.
func (s *Scheduler) resolve() int {
	h := s.heap
	var sends, recvs []*Machine
	for _, m := range s.machines {
		switch m.state {
		case BlockedSend:
			sends = append(sends, m)
		case BlockedReceive:
			recvs = append(recvs, m)
		}
	}
	if len(sends) == 0 && len(recvs) == 0 {
		return 0
	}

	woken := 0
	for _, snd := range sends {
		if h.ChannelLen(snd.ch) > 0 {
			continue
		}
		for _, rcv := range recvs {
			if rcv.state == BlockedReceive && rcv.ch == snd.ch {
				rcv.deliver(snd.val)
				snd.unblock()
				woken += 2
				break
			}
		}
	}
	for _, snd := range sends {
		if snd.state == BlockedSend && h.PushChannelItem(snd.ch, snd.val) {
			snd.unblock()
			woken++
		}
	}
	for _, rcv := range recvs {
		if rcv.state != BlockedReceive {
			continue
		}
		if v, ok := h.PopChannelItem(rcv.ch); ok {
			rcv.deliver(v)
			woken++
		}
	}
	return woken
}

// deadlock classifies a run that stopped making progress.
func (s *Scheduler) deadlock() error {
	var sends, recvs int
	for _, m := range s.machines {
		switch m.state {
		case BlockedSend:
			sends++
		case BlockedReceive:
			recvs++
		}
	}
	var msg string
	switch {
	case sends > 0 && recvs > 0:
		msg = "blocked on send and receive without matching opposing action"
	case sends > 0:
		msg = "blocked on a send without matching receive"
	case recvs > 0:
		msg = "blocked on a receive without matching send"
	default:
		msg = "no machine made progress: all are waiting on locks or waitgroups"
	}
	return fmt.Errorf("vm: %w", errs.New(errs.Deadlock, "%s", msg))
}

// Run is a convenience wrapper creating a Scheduler for prog and running it.
func Run(ctx context.Context, prog bytecode.Program, opts Options) (*Report, error) {
	s, err := NewScheduler(prog, opts)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx)
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// Report is the outcome of a run.
type Report struct {
	Machines     []MachineReport `json:"machines"`
	Rounds       int             `json:"rounds"`
	Instructions uint64          `json:"instructions"`
	Heap         heap.Stats      `json:"heap"`
	Profile      *ProfilerStats  `json:"profile,omitempty"`
	Elapsed      time.Duration   `json:"elapsed"`
}

// Main returns the report of the main machine.
func (r *Report) Main() MachineReport {
	return r.Machines[0]
}

// MachineReport describes one machine at the end of a run.
type MachineReport struct {
	ID        int    `json:"id"`
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Output    []any  `json:"output"`
	Final     any    `json:"final"`
}

// MarshalJSON spells non-finite numbers in Final and Output as the strings
// "+Inf", "-Inf" and "NaN", which JSON cannot represent.
func (r MachineReport) MarshalJSON() ([]byte, error) {
	type plain MachineReport
	p := plain(r)
	p.Final = jsonValue(r.Final)
	if r.Output != nil {
		p.Output = jsonValue(r.Output).([]any)
	}
	return json.Marshal(p)
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN"
		case math.IsInf(x, 1):
			return "+Inf"
		case math.IsInf(x, -1):
			return "-Inf"
		}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}
		return out
	}
	return v
}

func reportMachine(m *Machine) MachineReport {
	r := MachineReport{
		ID:     m.id,
		State:  m.state,
		Output: m.output,
		Final:  m.FinalValue(),
	}
	if r.Output == nil {
		r.Output = []any{}
	}
	if m.err != nil {
		r.Error = m.err.Error()
		r.ErrorKind = errs.KindOf(m.err).String()
	}
	return r
}
