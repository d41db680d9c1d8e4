// Package heap implements the node heap shared by every machine in a run.
//
// All runtime values live as fixed-size tagged nodes inside one byte
// buffer and are referred to by Address, the word index of the node's
// header. Every node occupies a NodeSize-word slot; the header records how
// many of those words are in use.
//
// Header word layout:
//
//	byte 0     tag
//	bytes 1-4  variant payload (arity, pc, counters, ids)
//	bytes 5-6  size in words, header included
//	byte 7     mark bit
//
// Accessors validate tags and bounds and panic with *errs.Error on
// violation. The machine recovers those panics at its instruction
// boundary, so a bad operation fails one machine and never the process.
package heap

import (
	"encoding/binary"
	"errors"

	"github.com/tliron/commonlog"

	"github.com/chazu/goslang/vm/errs"
)

var log = commonlog.GetLogger("goslang.heap")

const (
	// WordSize is the size of one heap word in bytes.
	WordSize = 8
	// NodeSize is the number of words reserved for every node.
	NodeSize = 20
	// MaxChildren bounds the capacity of frames, arrays and channels.
	MaxChildren = NodeSize - 1

	// DefaultWords is the heap capacity used when Options.Words is zero.
	DefaultWords = 50000

	sizeOffset = 5
	markOffset = 7
)

// Address is the word index of a node header.
type Address int32

// NoAddress terminates the free list.
const NoAddress Address = -1

// RootSource contributes addresses to the root set of a collection.
// Machines implement it over their registers.
type RootSource interface {
	VisitRoots(visit func(Address))
}

// Options configures a new Heap.
type Options struct {
	// Words is the heap capacity in words. Zero means DefaultWords.
	Words int
	// DisableGC makes allocation fail as soon as the free list is empty.
	DisableGC bool
	// BuiltinFrames lists builtin ids per permanent frame, in environment
	// order. Each id becomes a Builtin node.
	BuiltinFrames [][]uint16
	// Constants are host values placed in the frame after the builtins.
	Constants []any
	// NormalizeStrings interns strings by their NFC form.
	NormalizeStrings bool
}

// Heap is an arena of tagged nodes with a mark-sweep collector.
// A Heap is not safe for concurrent use.
type Heap struct {
	data  []byte
	limit Address // one past the last usable node slot

	free   Address
	bottom Address

	gcDisabled bool
	normalize  bool

	// Canonical singletons.
	False      Address
	True       Address
	Null       Address
	Unassigned Address
	Undefined  Address

	// Global is the permanent environment holding the builtin frames
	// followed by the constants frame.
	Global Address

	roots []RootSource
	pins  []Address
	scan  []Address

	strings map[uint64][]Address
	text    map[Address]string

	stats Stats
}

// ErrHeapTooSmall is returned by New when the permanent nodes do not fit.
var ErrHeapTooSmall = errors.New("heap too small for builtin and constant frames")

// New creates a heap and allocates its permanent region: the singletons,
// the builtin frames, the constants frame and the global environment.
func New(opts Options) (h *Heap, err error) {
	words := opts.Words
	if words == 0 {
		words = DefaultWords
	}
	nodes := words / NodeSize
	if nodes < 1 {
		return nil, ErrHeapTooSmall
	}

	h = &Heap{
		data:       make([]byte, words*WordSize),
		limit:      Address(nodes * NodeSize),
		gcDisabled: opts.DisableGC,
		normalize:  opts.NormalizeStrings,
		strings:    make(map[uint64][]Address),
		text:       make(map[Address]string),
	}
	h.free = NoAddress
	for a := h.limit - NodeSize; a >= 0; a -= NodeSize {
		h.release(a)
	}

	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = errors.Join(ErrHeapTooSmall, errs.FromPanic(r))
		}
	}()

	// Nothing is collectable until bottom is raised, so a collection
	// triggered here can never free a permanent node.
	h.gcDisabled = true
	h.False = h.Allocate(TagFalse, 1)
	h.True = h.Allocate(TagTrue, 1)
	h.Null = h.Allocate(TagNull, 1)
	h.Unassigned = h.Allocate(TagUnassigned, 1)
	h.Undefined = h.Allocate(TagUndefined, 1)

	frames := make([]Address, 0, len(opts.BuiltinFrames)+1)
	for _, ids := range opts.BuiltinFrames {
		f := h.AllocateFrame(len(ids))
		for i, id := range ids {
			h.SetChild(f, i, h.AllocateBuiltin(id))
		}
		frames = append(frames, f)
	}
	cf := h.AllocateFrame(len(opts.Constants))
	for i, c := range opts.Constants {
		v, err := h.FromHost(c)
		if err != nil {
			panic(err)
		}
		h.SetChild(cf, i, v)
	}
	frames = append(frames, cf)

	h.Global = h.AllocateEnvironment(len(frames))
	for i, f := range frames {
		h.SetChild(h.Global, i, f)
	}

	h.bottom = h.firstFree()
	h.gcDisabled = opts.DisableGC
	h.stats.Permanent = int(h.bottom) / NodeSize
	log.Debugf("heap ready: %d nodes, %d permanent", nodes, h.stats.Permanent)
	return h, nil
}

// firstFree returns the lowest unused slot after construction, which is
// the head of the free list since slots are handed out in ascending order.
func (h *Heap) firstFree() Address {
	if h.free == NoAddress {
		return h.limit
	}
	return h.free
}

// Bottom returns the low watermark; nodes below it are permanent.
func (h *Heap) Bottom() Address {
	return h.bottom
}

// GCEnabled reports whether allocation may trigger a collection.
func (h *Heap) GCEnabled() bool {
	return !h.gcDisabled
}

// ---------------------------------------------------------------------------
// Raw word access
// ---------------------------------------------------------------------------

func (h *Heap) off(a Address) int {
	return int(a) * WordSize
}

func (h *Heap) word(a Address) uint64 {
	return binary.BigEndian.Uint64(h.data[h.off(a):])
}

func (h *Heap) setWord(a Address, v uint64) {
	binary.BigEndian.PutUint64(h.data[h.off(a):], v)
}

func (h *Heap) byteAt(a Address, offset int) byte {
	return h.data[h.off(a)+offset]
}

func (h *Heap) setByteAt(a Address, offset int, v byte) {
	h.data[h.off(a)+offset] = v
}

func (h *Heap) uint16At(a Address, offset int) uint16 {
	return binary.BigEndian.Uint16(h.data[h.off(a)+offset:])
}

func (h *Heap) setUint16At(a Address, offset int, v uint16) {
	binary.BigEndian.PutUint16(h.data[h.off(a)+offset:], v)
}

func (h *Heap) int32At(a Address, offset int) int32 {
	return int32(binary.BigEndian.Uint32(h.data[h.off(a)+offset:]))
}

func (h *Heap) setInt32At(a Address, offset int, v int32) {
	binary.BigEndian.PutUint32(h.data[h.off(a)+offset:], uint32(v))
}

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

func (h *Heap) valid(a Address) bool {
	return a >= 0 && a < h.limit && a%NodeSize == 0
}

// Tag returns the tag of the node at a.
func (h *Heap) Tag(a Address) Tag {
	if !h.valid(a) {
		panic(errs.New(errs.Fault, "invalid heap address %d", a))
	}
	return Tag(h.byteAt(a, 0))
}

// Size returns the number of words in use by the node, header included.
func (h *Heap) Size(a Address) int {
	return int(h.uint16At(a, sizeOffset))
}

// NumChildren returns the number of child slots of the node.
// Number nodes carry a raw float in their second word and have none.
func (h *Heap) NumChildren(a Address) int {
	if h.Tag(a) == TagNumber {
		return 0
	}
	return h.Size(a) - 1
}

func (h *Heap) marked(a Address) bool {
	return h.byteAt(a, markOffset) == 1
}

func (h *Heap) setMark(a Address, on bool) {
	var b byte
	if on {
		b = 1
	}
	h.setByteAt(a, markOffset, b)
}

// Child returns child slot i of the node at a.
func (h *Heap) Child(a Address, i int) Address {
	if i < 0 || i >= h.NumChildren(a) {
		panic(errs.New(errs.Fault, "child %d out of range for %s node of %d children", i, h.Tag(a), h.NumChildren(a)))
	}
	return Address(int64(h.word(a + 1 + Address(i))))
}

// SetChild stores v in child slot i of the node at a.
func (h *Heap) SetChild(a Address, i int, v Address) {
	if i < 0 || i >= h.NumChildren(a) {
		panic(errs.New(errs.Fault, "child %d out of range for %s node of %d children", i, h.Tag(a), h.NumChildren(a)))
	}
	h.setWord(a+1+Address(i), uint64(int64(v)))
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate reserves a node with the given tag and size in words. Child
// slots start as Null. When the free list is empty a collection runs
// first; allocation fails with OutOfMemory if nothing could be reclaimed
// or the collector is disabled.
func (h *Heap) Allocate(tag Tag, size int) Address {
	if size < 1 || size > NodeSize {
		panic(errs.New(errs.Fault, "node size %d outside 1..%d words", size, NodeSize))
	}
	if h.free == NoAddress {
		if h.gcDisabled {
			panic(errs.New(errs.OutOfMemory, "out of memory and garbage collector turned off"))
		}
		h.Collect()
		if h.free == NoAddress {
			panic(errs.New(errs.OutOfMemory, "heap exhausted: all %d nodes reachable", int(h.limit)/NodeSize))
		}
	}

	a := h.free
	h.free = Address(int64(h.word(a + 1)))

	h.setWord(a, 0)
	h.setByteAt(a, 0, byte(tag))
	h.setUint16At(a, sizeOffset, uint16(size))
	if tag != TagNumber {
		null := uint64(int64(h.Null))
		for i := 1; i < size; i++ {
			h.setWord(a+Address(i), null)
		}
	}
	h.stats.Allocations++
	return a
}

// release pushes the slot at a onto the free list.
func (h *Heap) release(a Address) {
	h.setWord(a, 0)
	h.setByteAt(a, 0, byte(tagFree))
	h.setWord(a+1, uint64(int64(h.free)))
	h.free = a
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// Attach registers a root source. Machines attach themselves when created.
func (h *Heap) Attach(r RootSource) {
	h.roots = append(h.roots, r)
}

// Detach removes a root source, making everything only it referenced
// collectable.
func (h *Heap) Detach(r RootSource) {
	for i, x := range h.roots {
		if x == r {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// Pin pushes addresses onto the pin stack, which is part of the root set.
// It returns the number pushed so the caller can write
//
//	defer h.Unpin(h.Pin(a, b))
func (h *Heap) Pin(as ...Address) int {
	h.pins = append(h.pins, as...)
	return len(as)
}

// Unpin pops n addresses off the pin stack.
func (h *Heap) Unpin(n int) {
	if n > len(h.pins) {
		panic(errs.New(errs.Fault, "unpin %d with %d pinned", n, len(h.pins)))
	}
	h.pins = h.pins[:len(h.pins)-n]
}

// Pinned returns the current depth of the pin stack.
func (h *Heap) Pinned() int {
	return len(h.pins)
}
