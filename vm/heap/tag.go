package heap

import "fmt"

// Tag discriminates the variant stored in a node.
type Tag uint8

const (
	TagFalse Tag = iota
	TagTrue
	TagNumber
	TagNull
	TagUnassigned
	TagUndefined
	TagBlockframe
	TagCallframe
	TagClosure
	TagFrame
	TagEnvironment
	TagPair
	TagBuiltin
	TagMutex
	TagWaitgroup
	TagArray
	TagSlice
	TagChannel
	TagString
	TagWhileframe

	// tagFree marks a node slot that is on the free list.
	tagFree Tag = 0xFF
)

var tagNames = [...]string{
	TagFalse:       "False",
	TagTrue:        "True",
	TagNumber:      "Number",
	TagNull:        "Null",
	TagUnassigned:  "Unassigned",
	TagUndefined:   "Undefined",
	TagBlockframe:  "Blockframe",
	TagCallframe:   "Callframe",
	TagClosure:     "Closure",
	TagFrame:       "Frame",
	TagEnvironment: "Environment",
	TagPair:        "Pair",
	TagBuiltin:     "Builtin",
	TagMutex:       "Mutex",
	TagWaitgroup:   "Waitgroup",
	TagArray:       "Array",
	TagSlice:       "Slice",
	TagChannel:     "Channel",
	TagString:      "String",
	TagWhileframe:  "Whileframe",
}

func (t Tag) String() string {
	if t == tagFree {
		return "Free"
	}
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// IsBoolean reports whether t is TagTrue or TagFalse.
func (t Tag) IsBoolean() bool {
	return t == TagTrue || t == TagFalse
}
