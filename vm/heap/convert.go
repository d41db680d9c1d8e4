package heap

import (
	"fmt"
	"strings"

	"github.com/chazu/goslang/vm/errs"
)

// Undefined is the host representation of the Undefined node.
type Undefined struct{}

func (Undefined) String() string { return "undefined" }

// MarshalJSON encodes Undefined as null; JSON has no undefined.
func (Undefined) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// ToHost converts the node at a into a host value:
//
//	True/False         bool
//	Number             float64
//	String             string
//	Null               nil
//	Undefined          Undefined{}
//	Pair               []any{head, tail}
//	Array, Slice       []any of the visible elements
//	anything else      "<tag>" for diagnostics
//
// Composite values are converted recursively; a cycle is cut with
// "<cycle>".
func (h *Heap) ToHost(a Address) any {
	return h.toHost(a, make(map[Address]bool))
}

func (h *Heap) toHost(a Address, seen map[Address]bool) any {
	switch tag := h.Tag(a); tag {
	case TagTrue:
		return true
	case TagFalse:
		return false
	case TagNumber:
		return h.NumberValue(a)
	case TagString:
		return h.StringValue(a)
	case TagNull:
		return nil
	case TagUndefined:
		return Undefined{}
	case TagPair, TagArray, TagSlice:
		if seen[a] {
			return "<cycle>"
		}
		seen[a] = true
		defer delete(seen, a)

		switch tag {
		case TagPair:
			return []any{h.toHost(h.PairHead(a), seen), h.toHost(h.PairTail(a), seen)}
		case TagArray:
			out := make([]any, h.ArrayLen(a))
			for i := range out {
				out[i] = h.toHost(h.ArrayElement(a, i), seen)
			}
			return out
		default:
			out := make([]any, h.SliceLen(a))
			for i := range out {
				out[i] = h.toHost(h.SliceElement(a, i), seen)
			}
			return out
		}
	default:
		return "<" + strings.ToLower(tag.String()) + ">"
	}
}

// FromHost allocates the node for a host scalar. Supported inputs are
// bool, the Go numeric kinds, string, nil and Undefined.
func (h *Heap) FromHost(v any) (Address, error) {
	switch x := v.(type) {
	case nil:
		return h.Null, nil
	case Undefined:
		return h.Undefined, nil
	case bool:
		return h.Bool(x), nil
	case float64:
		return h.AllocateNumber(x), nil
	case float32:
		return h.AllocateNumber(float64(x)), nil
	case int:
		return h.AllocateNumber(float64(x)), nil
	case int32:
		return h.AllocateNumber(float64(x)), nil
	case int64:
		return h.AllocateNumber(float64(x)), nil
	case uint16:
		return h.AllocateNumber(float64(x)), nil
	case string:
		return h.AllocateString(x), nil
	}
	return NoAddress, errs.New(errs.TypeMismatch, "cannot convert %T to a heap value", v)
}

// Format renders a host value the way display prints it.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return x
	case float64:
		return fmt.Sprint(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			if s, ok := e.(string); ok {
				parts[i] = fmt.Sprintf("%q", s)
				continue
			}
			parts[i] = Format(e)
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return fmt.Sprint(v)
}

// Describe renders a node for debugging output.
func (h *Heap) Describe(a Address) string {
	if !h.valid(a) {
		return fmt.Sprintf("@%d <invalid>", a)
	}
	tag := Tag(h.byteAt(a, 0))
	switch tag {
	case TagNumber, TagString, TagTrue, TagFalse, TagNull, TagUndefined:
		return fmt.Sprintf("@%d %s %s", a, tag, Format(h.ToHost(a)))
	case TagClosure:
		return fmt.Sprintf("@%d Closure arity=%d pc=%d", a, h.ClosureArity(a), h.ClosurePC(a))
	case TagBuiltin:
		return fmt.Sprintf("@%d Builtin id=%d", a, h.BuiltinID(a))
	case TagChannel:
		return fmt.Sprintf("@%d Channel %d/%d", a, h.ChannelLen(a), h.ChannelCap(a))
	case TagSlice:
		return fmt.Sprintf("@%d Slice [%d:%d] cap=%d", a, h.SliceStart(a), h.SliceEnd(a), h.SliceCap(a))
	}
	return fmt.Sprintf("@%d %s size=%d", a, tag, h.Size(a))
}
