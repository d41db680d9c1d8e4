package vm

import (
	"fmt"
	"sort"

	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/vm/errs"
	"github.com/chazu/goslang/vm/heap"
)

// BuiltinFunc implements a builtin. args alias the caller's operand stack
// and stay rooted for the duration of the call.
type BuiltinFunc func(m *Machine, args []heap.Address) (heap.Address, error)

// Builtin is one host function reachable from bytecode.
type Builtin struct {
	Name  string
	Arity int
	Fn    BuiltinFunc
}

// Constant is a named host value in the constants frame.
type Constant struct {
	Name  string
	Value any
}

// Builtins is the table of host functions and constants preloaded into
// the global environment. Builtin frames come first, in the order they
// were added, followed by a single constants frame; compiled programs
// address everything after that.
type Builtins struct {
	frames    [][]uint16
	table     []Builtin
	names     map[string]bytecode.Pos
	constants []Constant
}

// NewBuiltins returns the standard table: list primitives in frame 0,
// concurrency and slice primitives in frame 1, and the constants
// undefined and nil in frame 2.
func NewBuiltins() *Builtins {
	b := &Builtins{names: make(map[string]bytecode.Pos)}
	b.addFrame(coreBuiltins)
	b.addFrame(runtimeBuiltins)
	b.constants = []Constant{
		{Name: "undefined", Value: heap.Undefined{}},
		{Name: "nil", Value: nil},
	}
	b.reindexConstants()
	return b
}

func (b *Builtins) addFrame(fns []Builtin) {
	b.frames = append(b.frames, nil)
	for _, fn := range fns {
		b.Add(fn)
	}
}

// Add appends fn to the last builtin frame. Adding a name twice shadows
// the earlier entry.
func (b *Builtins) Add(fn Builtin) {
	if len(b.frames) == 0 {
		b.frames = append(b.frames, nil)
	}
	f := len(b.frames) - 1
	id := uint16(len(b.table))
	b.table = append(b.table, fn)
	b.names[fn.Name] = bytecode.Pos{f, len(b.frames[f])}
	b.frames[f] = append(b.frames[f], id)
	b.reindexConstants()
}

// AddConstant appends a named value to the constants frame.
func (b *Builtins) AddConstant(name string, v any) {
	b.constants = append(b.constants, Constant{Name: name, Value: v})
	b.reindexConstants()
}

func (b *Builtins) reindexConstants() {
	for i, c := range b.constants {
		b.names[c.Name] = bytecode.Pos{len(b.frames), i}
	}
}

// Lookup returns the builtin with the given id.
func (b *Builtins) Lookup(id uint16) (Builtin, bool) {
	if int(id) >= len(b.table) {
		return Builtin{}, false
	}
	return b.table[id], true
}

// Position returns the environment position of a builtin or constant.
func (b *Builtins) Position(name string) (bytecode.Pos, bool) {
	p, ok := b.names[name]
	return p, ok
}

// Names returns every builtin and constant name, sorted.
func (b *Builtins) Names() []string {
	names := make([]string, 0, len(b.names))
	for name := range b.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Arity returns the declared arity of a builtin, or -1 for a constant
// or unknown name.
func (b *Builtins) Arity(name string) int {
	p, ok := b.names[name]
	if !ok || p.Frame() >= len(b.frames) {
		return -1
	}
	return b.table[b.frames[p.Frame()][p.Slot()]].Arity
}

// Frames returns the builtin ids per frame, for heap.Options.
func (b *Builtins) Frames() [][]uint16 { return b.frames }

// Constants returns the constants frame.
func (b *Builtins) Constants() []Constant { return b.constants }

// ConstantValues returns the constants' host values, for heap.Options.
func (b *Builtins) ConstantValues() []any {
	out := make([]any, len(b.constants))
	for i, c := range b.constants {
		out[i] = c.Value
	}
	return out
}

// ProgramFrame is the first environment frame index available to
// compiled code.
func (b *Builtins) ProgramFrame() int { return len(b.frames) + 1 }

// HeapOptions returns heap options preloaded with the table.
func (b *Builtins) HeapOptions(opts Options) heap.Options {
	return heap.Options{
		Words:            opts.HeapWords,
		DisableGC:        opts.DisableGC,
		NormalizeStrings: opts.NormalizeStrings,
		BuiltinFrames:    b.Frames(),
		Constants:        b.ConstantValues(),
	}
}

// ---------------------------------------------------------------------------
// Standard builtins
// ---------------------------------------------------------------------------

var coreBuiltins = []Builtin{
	{"display", 1, func(m *Machine, args []heap.Address) (heap.Address, error) {
		m.display(args[0])
		return args[0], nil
	}},
	{"error", 1, func(m *Machine, args []heap.Address) (heap.Address, error) {
		return heap.NoAddress, errs.New(errs.UserError, "%s", heap.Format(m.heap.ToHost(args[0])))
	}},
	{"pair", 2, func(m *Machine, args []heap.Address) (heap.Address, error) {
		return m.heap.AllocatePair(args[0], args[1]), nil
	}},
	{"is_pair", 1, isTag(heap.TagPair)},
	{"head", 1, func(m *Machine, args []heap.Address) (heap.Address, error) {
		return m.heap.PairHead(args[0]), nil
	}},
	{"tail", 1, func(m *Machine, args []heap.Address) (heap.Address, error) {
		return m.heap.PairTail(args[0]), nil
	}},
	{"is_null", 1, isTag(heap.TagNull)},
	{"set_head", 2, func(m *Machine, args []heap.Address) (heap.Address, error) {
		m.heap.SetPairHead(args[0], args[1])
		return m.heap.Undefined, nil
	}},
	{"set_tail", 2, func(m *Machine, args []heap.Address) (heap.Address, error) {
		m.heap.SetPairTail(args[0], args[1])
		return m.heap.Undefined, nil
	}},
}

var runtimeBuiltins = []Builtin{
	{"Mutex", 0, func(m *Machine, _ []heap.Address) (heap.Address, error) {
		return m.heap.AllocateMutex(), nil
	}},
	{"is_mutex", 1, isTag(heap.TagMutex)},
	{"WaitGroup", 0, func(m *Machine, _ []heap.Address) (heap.Address, error) {
		return m.heap.AllocateWaitgroup(), nil
	}},
	{"is_waitgroup", 1, isTag(heap.TagWaitgroup)},
	{"Channel", 1, func(m *Machine, args []heap.Address) (heap.Address, error) {
		return m.heap.AllocateChannel(m.heap.IntValue(args[0])), nil
	}},
	{"is_channel", 1, isTag(heap.TagChannel)},
	{"make", 2, makeSlice},
	{"append", 2, appendSlice},
	{"len", 1, func(m *Machine, args []heap.Address) (heap.Address, error) {
		n, err := length(m.heap, args[0], false)
		if err != nil {
			return heap.NoAddress, err
		}
		return m.heap.AllocateNumber(float64(n)), nil
	}},
	{"cap", 1, func(m *Machine, args []heap.Address) (heap.Address, error) {
		n, err := length(m.heap, args[0], true)
		if err != nil {
			return heap.NoAddress, err
		}
		return m.heap.AllocateNumber(float64(n)), nil
	}},
	{"is_array", 1, isTag(heap.TagArray)},
	{"is_slice", 1, isTag(heap.TagSlice)},
	{"is_string", 1, isTag(heap.TagString)},
}

func isTag(tag heap.Tag) BuiltinFunc {
	return func(m *Machine, args []heap.Address) (heap.Address, error) {
		return m.heap.Bool(m.heap.Is(args[0], tag)), nil
	}
}

// makeSlice implements make(len, cap).
func makeSlice(m *Machine, args []heap.Address) (heap.Address, error) {
	h := m.heap
	n, c := h.IntValue(args[0]), h.IntValue(args[1])
	if n < 0 || n > c {
		return heap.NoAddress, errs.New(errs.OutOfRange, "make: len %d outside 0..cap %d", n, c)
	}
	return h.AllocateSlice(h.AllocateArray(c), 0, n), nil
}

// appendSlice writes in place while the backing array has room past the
// slice's end and copies into an array one larger otherwise.
func appendSlice(m *Machine, args []heap.Address) (heap.Address, error) {
	h := m.heap
	s, v := args[0], args[1]
	if !h.Is(s, heap.TagSlice) {
		return heap.NoAddress, errs.New(errs.TypeMismatch, "append to %s, not a slice", h.Tag(s))
	}
	arr, start, end, c := h.SliceArray(s), h.SliceStart(s), h.SliceEnd(s), h.SliceCap(s)
	if end < start+c {
		h.SetArrayElement(arr, end, v)
		return h.AllocateSlice(arr, start, end+1), nil
	}

	grown := h.AllocateArray(c + 1)
	for i := 0; i < c; i++ {
		h.SetArrayElement(grown, i, h.ArrayElement(arr, start+i))
	}
	h.SetArrayElement(grown, c, v)
	return h.AllocateSlice(grown, 0, c+1), nil
}

func length(h *heap.Heap, a heap.Address, capacity bool) (int, error) {
	switch tag := h.Tag(a); tag {
	case heap.TagSlice:
		if capacity {
			return h.SliceCap(a), nil
		}
		return h.SliceLen(a), nil
	case heap.TagArray:
		return h.ArrayLen(a), nil
	case heap.TagChannel:
		if capacity {
			return h.ChannelCap(a), nil
		}
		return h.ChannelLen(a), nil
	case heap.TagString:
		if !capacity {
			return len(h.StringValue(a)), nil
		}
	}
	name := "len"
	if capacity {
		name = "cap"
	}
	return 0, errs.New(errs.TypeMismatch, "invalid argument for %s: %s", name, h.Tag(a))
}

func (b Builtin) String() string {
	return fmt.Sprintf("%s/%d", b.Name, b.Arity)
}
