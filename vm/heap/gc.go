package heap

import "time"

// Stats summarizes heap occupancy and collector activity.
type Stats struct {
	Nodes       int           // total node slots
	Permanent   int           // slots below the low watermark
	Live        int           // allocated slots above the watermark
	Free        int           // slots on the free list
	Allocations uint64        // nodes handed out since creation
	Collections uint64        // completed mark-sweep cycles
	Freed       uint64        // nodes reclaimed over all cycles
	LastPause   time.Duration // duration of the most recent cycle
}

// Stats returns a snapshot of heap statistics.
func (h *Heap) Stats() Stats {
	s := h.stats
	s.Nodes = int(h.limit) / NodeSize
	for a := h.free; a != NoAddress; a = Address(int64(h.word(a + 1))) {
		s.Free++
	}
	s.Live = s.Nodes - s.Permanent - s.Free
	return s
}

// Collect runs one stop-the-world mark-sweep cycle. It must only run
// between instructions, or from an allocation whose in-flight operands
// are pinned.
func (h *Heap) Collect() {
	start := time.Now()

	for _, r := range h.roots {
		r.VisitRoots(h.mark)
	}
	for _, p := range h.pins {
		h.mark(p)
	}
	freed := h.sweep()

	h.stats.Collections++
	h.stats.Freed += uint64(freed)
	h.stats.LastPause = time.Since(start)
	log.Debugf("collection %d: freed %d nodes in %s", h.stats.Collections, freed, h.stats.LastPause)
}

// mark sets the mark bit on every node reachable from root. It walks an
// explicit scan stack instead of recursing so deep lists cannot overflow
// the goroutine stack. Permanent nodes are never marked; they only refer
// to other permanent nodes.
func (h *Heap) mark(root Address) {
	stack := append(h.scan[:0], root)
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if a < h.bottom || !h.valid(a) || h.marked(a) {
			continue
		}
		h.setMark(a, true)
		for i, n := 0, h.NumChildren(a); i < n; i++ {
			stack = append(stack, h.Child(a, i))
		}
	}
	h.scan = stack[:0]
}

// sweep rebuilds the free list from every unmarked slot above the low
// watermark and clears the mark bits of survivors. Walking downwards
// leaves the list in ascending address order.
func (h *Heap) sweep() int {
	freed := 0
	h.free = NoAddress
	for a := h.limit - NodeSize; a >= h.bottom; a -= NodeSize {
		if h.marked(a) {
			h.setMark(a, false)
			continue
		}
		switch Tag(h.byteAt(a, 0)) {
		case tagFree:
		case TagString:
			h.forgetString(a)
			freed++
		default:
			freed++
		}
		h.release(a)
	}
	return freed
}
