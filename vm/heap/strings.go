package heap

import (
	"slices"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"
)

// String nodes hold no text of their own. The heap keeps a side table
// from content hash to the live nodes with that hash and from node to
// text, so identical content always resolves to the same node while it
// stays reachable.

// AllocateString returns the interned node for s, allocating one on
// first use.
func (h *Heap) AllocateString(s string) Address {
	if h.normalize {
		s = norm.NFC.String(s)
	}
	sum := xxh3.HashString(s)
	for _, a := range h.strings[sum] {
		if h.text[a] == s {
			return a
		}
	}
	a := h.Allocate(TagString, 1)
	h.strings[sum] = append(h.strings[sum], a)
	h.text[a] = s
	return a
}

// StringValue returns the text of a String node.
func (h *Heap) StringValue(a Address) string {
	h.expect(a, TagString)
	return h.text[a]
}

// Interned returns the number of live interned strings.
func (h *Heap) Interned() int {
	return len(h.text)
}

func (h *Heap) forgetString(a Address) {
	s, ok := h.text[a]
	if !ok {
		return
	}
	delete(h.text, a)
	sum := xxh3.HashString(s)
	bucket := slices.DeleteFunc(h.strings[sum], func(x Address) bool { return x == a })
	if len(bucket) == 0 {
		delete(h.strings, sum)
	} else {
		h.strings[sum] = bucket
	}
}
