package bytecode

import (
	"fmt"
	"slices"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func (p Program) Disassemble() string {
	return p.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header. Addresses
// that are jump, loop or closure targets are marked with '>' and closure
// entry points are annotated.
func (p Program) DisassembleWithName(name string) string {
	var sb strings.Builder

	// Header
	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; goslang program, %d instructions\n", len(p)))
	sb.WriteString(fmt.Sprintf("; sha256: %s\n", p.HashString()))

	targets := make(map[int]bool)
	entries := make(map[int][]int)
	for pc, in := range p {
		switch in.Op {
		case OpJOF, OpGOTO:
			targets[in.Addr] = true
		case OpWHILE_MARK:
			targets[in.Start] = true
			targets[in.End] = true
		case OpLDF:
			targets[in.Addr] = true
			entries[in.Addr] = append(entries[in.Addr], pc)
		}
	}

	if len(entries) > 0 {
		addrs := make([]int, 0, len(entries))
		for a := range entries {
			addrs = append(addrs, a)
		}
		slices.Sort(addrs)
		sb.WriteString("; Functions:\n")
		for _, a := range addrs {
			sb.WriteString(fmt.Sprintf(";   @%04d arity %d, loaded at %v\n", a, p.arityAt(entries[a][0]), entries[a]))
		}
	}

	sb.WriteString("\n; Code:\n")
	for pc, in := range p {
		mark := ' '
		if targets[pc] {
			mark = '>'
		}
		sb.WriteString(fmt.Sprintf("%04d %c %s\n", pc, mark, in))
	}
	return sb.String()
}

func (p Program) arityAt(pc int) int {
	return p[pc].Arity
}
