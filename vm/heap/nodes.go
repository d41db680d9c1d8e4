package heap

import (
	"math"

	"github.com/chazu/goslang/vm/errs"
)

// expect panics with TypeMismatch unless the node at a carries tag.
func (h *Heap) expect(a Address, tag Tag) {
	if got := h.Tag(a); got != tag {
		panic(errs.New(errs.TypeMismatch, "expected %s, got %s", tag, got))
	}
}

// Is reports whether the node at a carries tag.
func (h *Heap) Is(a Address, tag Tag) bool {
	return h.Tag(a) == tag
}

// checkCapacity bounds node capacities to what fits in one slot.
func checkCapacity(what string, n int) {
	if n < 0 || n > MaxChildren {
		panic(errs.New(errs.OutOfRange, "%s capacity %d outside 0..%d", what, n, MaxChildren))
	}
}

// ---------------------------------------------------------------------------
// Booleans and numbers
// ---------------------------------------------------------------------------

// Bool returns the canonical node for b.
func (h *Heap) Bool(b bool) Address {
	if b {
		return h.True
	}
	return h.False
}

// IsTrue reports whether a is the True node.
func (h *Heap) IsTrue(a Address) bool { return h.Tag(a) == TagTrue }

// IsBoolean reports whether a is True or False.
func (h *Heap) IsBoolean(a Address) bool { return h.Tag(a).IsBoolean() }

// BoolValue returns the host value of a boolean node.
func (h *Heap) BoolValue(a Address) bool {
	switch h.Tag(a) {
	case TagTrue:
		return true
	case TagFalse:
		return false
	}
	panic(errs.New(errs.TypeMismatch, "expected boolean, got %s", h.Tag(a)))
}

// AllocateNumber stores f in a new Number node.
func (h *Heap) AllocateNumber(f float64) Address {
	a := h.Allocate(TagNumber, 2)
	h.setWord(a+1, math.Float64bits(f))
	return a
}

// NumberValue returns the float held by a Number node.
func (h *Heap) NumberValue(a Address) float64 {
	h.expect(a, TagNumber)
	return math.Float64frombits(h.word(a + 1))
}

// IntValue returns a Number node's value as an int, failing with
// TypeMismatch if it has a fractional part.
func (h *Heap) IntValue(a Address) int {
	f := h.NumberValue(a)
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		panic(errs.New(errs.TypeMismatch, "expected integer, got %v", f))
	}
	return int(f)
}

// ---------------------------------------------------------------------------
// Pairs
// ---------------------------------------------------------------------------

// AllocatePair creates a Pair (hd, tl).
func (h *Heap) AllocatePair(hd, tl Address) Address {
	defer h.Unpin(h.Pin(hd, tl))
	a := h.Allocate(TagPair, 3)
	h.SetChild(a, 0, hd)
	h.SetChild(a, 1, tl)
	return a
}

// PairHead returns the head of a Pair.
func (h *Heap) PairHead(a Address) Address {
	h.expect(a, TagPair)
	return h.Child(a, 0)
}

// PairTail returns the tail of a Pair.
func (h *Heap) PairTail(a Address) Address {
	h.expect(a, TagPair)
	return h.Child(a, 1)
}

// SetPairHead replaces the head of a Pair.
func (h *Heap) SetPairHead(a, v Address) {
	h.expect(a, TagPair)
	h.SetChild(a, 0, v)
}

// SetPairTail replaces the tail of a Pair.
func (h *Heap) SetPairTail(a, v Address) {
	h.expect(a, TagPair)
	h.SetChild(a, 1, v)
}

// ---------------------------------------------------------------------------
// Frames and environments
// ---------------------------------------------------------------------------

// AllocateFrame creates a Frame of n slots, all Null.
func (h *Heap) AllocateFrame(n int) Address {
	checkCapacity("frame", n)
	return h.Allocate(TagFrame, n+1)
}

// AllocateEnvironment creates an Environment of n frame slots.
func (h *Heap) AllocateEnvironment(n int) Address {
	checkCapacity("environment", n)
	return h.Allocate(TagEnvironment, n+1)
}

// ExtendEnvironment returns a new Environment holding env's frames
// followed by frame.
func (h *Heap) ExtendEnvironment(frame, env Address) Address {
	h.expect(frame, TagFrame)
	h.expect(env, TagEnvironment)
	defer h.Unpin(h.Pin(frame, env))

	n := h.NumChildren(env)
	ext := h.AllocateEnvironment(n + 1)
	for i := 0; i < n; i++ {
		h.SetChild(ext, i, h.Child(env, i))
	}
	h.SetChild(ext, n, frame)
	return ext
}

func (h *Heap) envFrame(env Address, frame, slot int) Address {
	h.expect(env, TagEnvironment)
	if frame < 0 || frame >= h.NumChildren(env) {
		panic(errs.New(errs.Fault, "frame index %d outside environment of depth %d", frame, h.NumChildren(env)))
	}
	f := h.Child(env, frame)
	if slot < 0 || slot >= h.NumChildren(f) {
		panic(errs.New(errs.Fault, "slot %d outside frame %d of %d slots", slot, frame, h.NumChildren(f)))
	}
	return f
}

// EnvironmentValue looks up the binding at (frame, slot).
func (h *Heap) EnvironmentValue(env Address, frame, slot int) Address {
	return h.Child(h.envFrame(env, frame, slot), slot)
}

// SetEnvironmentValue rebinds (frame, slot). Permanent frames are
// read-only since they are never traced.
func (h *Heap) SetEnvironmentValue(env Address, frame, slot int, v Address) {
	f := h.envFrame(env, frame, slot)
	if f < h.bottom {
		panic(errs.New(errs.Fault, "cannot assign to builtin or constant binding (%d, %d)", frame, slot))
	}
	h.SetChild(f, slot, v)
}

// ---------------------------------------------------------------------------
// Callables and control-stack markers
// ---------------------------------------------------------------------------

func checkPC(pc int) {
	if pc < 0 || pc > math.MaxUint16 {
		panic(errs.New(errs.Fault, "program counter %d does not fit in a node", pc))
	}
}

// AllocateClosure creates a Closure of the given arity entering at pc.
func (h *Heap) AllocateClosure(arity, pc int, env Address) Address {
	if arity < 0 || arity > MaxChildren {
		panic(errs.New(errs.OutOfRange, "closure arity %d outside 0..%d", arity, MaxChildren))
	}
	checkPC(pc)
	defer h.Unpin(h.Pin(env))
	a := h.Allocate(TagClosure, 2)
	h.setByteAt(a, 1, byte(arity))
	h.setUint16At(a, 2, uint16(pc))
	h.SetChild(a, 0, env)
	return a
}

// ClosureArity returns the declared arity of a Closure.
func (h *Heap) ClosureArity(a Address) int {
	h.expect(a, TagClosure)
	return int(h.byteAt(a, 1))
}

// ClosurePC returns the entry point of a Closure.
func (h *Heap) ClosurePC(a Address) int {
	h.expect(a, TagClosure)
	return int(h.uint16At(a, 2))
}

// ClosureEnvironment returns the captured Environment of a Closure.
func (h *Heap) ClosureEnvironment(a Address) Address {
	h.expect(a, TagClosure)
	return h.Child(a, 0)
}

// AllocateBuiltin creates a Builtin referring to id.
func (h *Heap) AllocateBuiltin(id uint16) Address {
	a := h.Allocate(TagBuiltin, 1)
	h.setUint16At(a, 1, id)
	return a
}

// BuiltinID returns the id of a Builtin.
func (h *Heap) BuiltinID(a Address) uint16 {
	h.expect(a, TagBuiltin)
	return h.uint16At(a, 1)
}

// AllocateCallframe records the caller's environment and return pc.
func (h *Heap) AllocateCallframe(env Address, pc int) Address {
	checkPC(pc)
	defer h.Unpin(h.Pin(env))
	a := h.Allocate(TagCallframe, 2)
	h.setUint16At(a, 2, uint16(pc))
	h.SetChild(a, 0, env)
	return a
}

// CallframePC returns the return pc of a Callframe.
func (h *Heap) CallframePC(a Address) int {
	h.expect(a, TagCallframe)
	return int(h.uint16At(a, 2))
}

// CallframeEnvironment returns the caller's environment.
func (h *Heap) CallframeEnvironment(a Address) Address {
	h.expect(a, TagCallframe)
	return h.Child(a, 0)
}

// AllocateBlockframe records the environment to restore on scope exit.
func (h *Heap) AllocateBlockframe(env Address) Address {
	defer h.Unpin(h.Pin(env))
	a := h.Allocate(TagBlockframe, 2)
	h.SetChild(a, 0, env)
	return a
}

// BlockframeEnvironment returns the environment saved by a Blockframe.
func (h *Heap) BlockframeEnvironment(a Address) Address {
	h.expect(a, TagBlockframe)
	return h.Child(a, 0)
}

// AllocateWhileframe records a loop's environment and its start and end pcs.
func (h *Heap) AllocateWhileframe(env Address, start, end int) Address {
	checkPC(start)
	checkPC(end)
	defer h.Unpin(h.Pin(env))
	a := h.Allocate(TagWhileframe, 2)
	h.setUint16At(a, 1, uint16(start))
	h.setUint16At(a, 3, uint16(end))
	h.SetChild(a, 0, env)
	return a
}

// WhileframeStart returns the pc continue jumps to.
func (h *Heap) WhileframeStart(a Address) int {
	h.expect(a, TagWhileframe)
	return int(h.uint16At(a, 1))
}

// WhileframeEnd returns the pc break jumps to.
func (h *Heap) WhileframeEnd(a Address) int {
	h.expect(a, TagWhileframe)
	return int(h.uint16At(a, 3))
}

// WhileframeEnvironment returns the environment of the loop.
func (h *Heap) WhileframeEnvironment(a Address) Address {
	h.expect(a, TagWhileframe)
	return h.Child(a, 0)
}

// ---------------------------------------------------------------------------
// Arrays and slices
// ---------------------------------------------------------------------------

// AllocateArray creates an Array of n elements, all Null.
func (h *Heap) AllocateArray(n int) Address {
	checkCapacity("array", n)
	return h.Allocate(TagArray, n+1)
}

// ArrayLen returns the fixed capacity of an Array.
func (h *Heap) ArrayLen(a Address) int {
	h.expect(a, TagArray)
	return h.NumChildren(a)
}

func (h *Heap) checkIndex(i, n int) {
	if i < 0 || i >= n {
		panic(errs.New(errs.OutOfRange, "index %d out of range [0:%d]", i, n))
	}
}

// ArrayElement returns element i of an Array.
func (h *Heap) ArrayElement(a Address, i int) Address {
	h.checkIndex(i, h.ArrayLen(a))
	return h.Child(a, i)
}

// SetArrayElement replaces element i of an Array.
func (h *Heap) SetArrayElement(a Address, i int, v Address) {
	h.checkIndex(i, h.ArrayLen(a))
	h.SetChild(a, i, v)
}

// AllocateSlice creates a view [start:end] over array. Its capacity runs
// from start to the end of the array.
func (h *Heap) AllocateSlice(array Address, start, end int) Address {
	n := h.ArrayLen(array)
	if start < 0 || start > end || end > n {
		panic(errs.New(errs.OutOfRange, "slice bounds [%d:%d] out of range for array of %d", start, end, n))
	}
	defer h.Unpin(h.Pin(array))
	a := h.Allocate(TagSlice, 2)
	h.setByteAt(a, 1, byte(start))
	h.setByteAt(a, 2, byte(end))
	h.setByteAt(a, 3, byte(n-start))
	h.SetChild(a, 0, array)
	return a
}

// SliceArray returns the backing Array of a Slice.
func (h *Heap) SliceArray(a Address) Address {
	h.expect(a, TagSlice)
	return h.Child(a, 0)
}

// SliceStart returns the array index of the first element of a Slice.
func (h *Heap) SliceStart(a Address) int {
	h.expect(a, TagSlice)
	return int(h.byteAt(a, 1))
}

// SliceEnd returns the array index one past the last element of a Slice.
func (h *Heap) SliceEnd(a Address) int {
	h.expect(a, TagSlice)
	return int(h.byteAt(a, 2))
}

// SliceLen returns end - start.
func (h *Heap) SliceLen(a Address) int {
	return h.SliceEnd(a) - h.SliceStart(a)
}

// SliceCap returns the number of array elements from start onwards.
func (h *Heap) SliceCap(a Address) int {
	h.expect(a, TagSlice)
	return int(h.byteAt(a, 3))
}

// SliceElement returns element i of a Slice, reading the backing Array.
func (h *Heap) SliceElement(a Address, i int) Address {
	h.checkIndex(i, h.SliceLen(a))
	return h.ArrayElement(h.SliceArray(a), h.SliceStart(a)+i)
}

// SetSliceElement writes element i of a Slice through to the backing Array.
func (h *Heap) SetSliceElement(a Address, i int, v Address) {
	h.checkIndex(i, h.SliceLen(a))
	h.SetArrayElement(h.SliceArray(a), h.SliceStart(a)+i, v)
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// AllocateChannel creates a Channel that buffers up to capacity items.
// A capacity of zero makes every send and receive rendezvous.
func (h *Heap) AllocateChannel(capacity int) Address {
	checkCapacity("channel", capacity)
	a := h.Allocate(TagChannel, capacity+1)
	h.setUint16At(a, 1, uint16(capacity))
	h.setUint16At(a, 3, 0)
	return a
}

// ChannelCap returns the buffer capacity of a Channel.
func (h *Heap) ChannelCap(a Address) int {
	h.expect(a, TagChannel)
	return int(h.uint16At(a, 1))
}

// ChannelLen returns the number of buffered items.
func (h *Heap) ChannelLen(a Address) int {
	h.expect(a, TagChannel)
	return int(h.uint16At(a, 3))
}

// PushChannelItem appends v to the buffer. It reports false when the
// buffer is full, which is always the case for unbuffered channels.
func (h *Heap) PushChannelItem(a, v Address) bool {
	n, c := h.ChannelLen(a), h.ChannelCap(a)
	if n >= c {
		return false
	}
	h.SetChild(a, n, v)
	h.setUint16At(a, 3, uint16(n+1))
	return true
}

// PopChannelItem removes the oldest buffered item.
func (h *Heap) PopChannelItem(a Address) (Address, bool) {
	n := h.ChannelLen(a)
	if n == 0 {
		return NoAddress, false
	}
	v := h.Child(a, 0)
	for i := 1; i < n; i++ {
		h.SetChild(a, i-1, h.Child(a, i))
	}
	h.SetChild(a, n-1, h.Null)
	h.setUint16At(a, 3, uint16(n-1))
	return v, true
}

// ---------------------------------------------------------------------------
// Mutexes and waitgroups
// ---------------------------------------------------------------------------

// AllocateMutex creates an unlocked Mutex.
func (h *Heap) AllocateMutex() Address {
	return h.Allocate(TagMutex, 1)
}

// MutexValue returns 1 if the Mutex is locked, 0 otherwise.
func (h *Heap) MutexValue(a Address) int32 {
	h.expect(a, TagMutex)
	return h.int32At(a, 1)
}

// SetMutexValue stores the lock state of a Mutex.
func (h *Heap) SetMutexValue(a Address, v int32) {
	h.expect(a, TagMutex)
	h.setInt32At(a, 1, v)
}

// AllocateWaitgroup creates a Waitgroup with no outstanding adds.
func (h *Heap) AllocateWaitgroup() Address {
	return h.Allocate(TagWaitgroup, 1)
}

// WaitgroupValue returns the outstanding count of a Waitgroup.
func (h *Heap) WaitgroupValue(a Address) int32 {
	h.expect(a, TagWaitgroup)
	return h.int32At(a, 1)
}

// SetWaitgroupValue stores the outstanding count of a Waitgroup.
func (h *Heap) SetWaitgroupValue(a Address, v int32) {
	h.expect(a, TagWaitgroup)
	h.setInt32At(a, 1, v)
}
