package bytecode

import (
	"fmt"
	"slices"
)

// Opcode identifies a machine instruction.
// Opcodes are grouped into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Values and variables (0x00-0x0F)
	// ========================================================================

	OpLDC    Opcode = 0x00 // Push literal: LDC <val>
	OpLD     Opcode = 0x01 // Push variable: LD <sym> <pos>
	OpASSIGN Opcode = 0x02 // Store top of stack into variable, leaving it
	OpPOP    Opcode = 0x03 // Discard top of stack

	// ========================================================================
	// Operators (0x10-0x1F)
	// ========================================================================

	OpUNOP  Opcode = 0x10 // Unary operator: UNOP <sym>
	OpBINOP Opcode = 0x11 // Binary operator: BINOP <sym>

	// ========================================================================
	// Control flow (0x20-0x2F)
	// ========================================================================

	OpJOF         Opcode = 0x20 // Pop boolean, jump to <addr> if false
	OpGOTO        Opcode = 0x21 // Jump to <addr>
	OpENTER_SCOPE Opcode = 0x22 // Push block frame and extend environment by <num> slots
	OpEXIT_SCOPE  Opcode = 0x23 // Pop block frame and restore environment
	OpWHILE_MARK  Opcode = 0x24 // Push while frame recording <start> and <end>
	OpEXIT_WHILE  Opcode = 0x25 // Pop while frame
	OpBREAK_CONT  Opcode = 0x26 // Unwind to nearest while frame: <type> break|continue
	OpDONE        Opcode = 0x2F // Stop the machine

	// ========================================================================
	// Functions (0x30-0x3F)
	// ========================================================================

	OpLDF       Opcode = 0x30 // Push closure: LDF <arity> <addr>
	OpCALL      Opcode = 0x31 // Call with <arity> arguments
	OpTAIL_CALL Opcode = 0x32 // Call replacing the current activation
	OpRESET     Opcode = 0x33 // Return to the nearest call frame
	OpGO        Opcode = 0x34 // Spawn a goroutine calling with <arity> arguments

	// ========================================================================
	// Concurrency (0x40-0x4F)
	// ========================================================================

	OpSEND      Opcode = 0x40 // Send value on channel
	OpRECEIVE   Opcode = 0x41 // Receive from channel
	OpMUTEX     Opcode = 0x42 // Mutex operation: <type> Lock|Unlock
	OpWAITGROUP Opcode = 0x43 // WaitGroup operation: <type> Add|Done|Wait

	// ========================================================================
	// Slices (0x50-0x5F)
	// ========================================================================

	OpSLICE_CREATE      Opcode = 0x50 // Build slice from <init_size> values and a size
	OpCUT_SLICE         Opcode = 0x51 // Reslice: slice start end max -> slice
	OpSLICE_GET_ELEMENT Opcode = 0x52 // slice index -> element
	OpSLICE_SET_ELEMENT Opcode = 0x53 // slice index value -> value
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string   // Name used in the wire format
	StackPop  int      // How many values popped from stack (-1 = variable)
	StackPush int      // How many values pushed to stack
	Operands  []string // Instruction fields the opcode reads
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpLDC:    {"LDC", 0, 1, []string{"val"}},
	OpLD:     {"LD", 0, 1, []string{"sym", "pos"}},
	OpASSIGN: {"ASSIGN", 0, 0, []string{"sym", "pos"}},
	OpPOP:    {"POP", 1, 0, nil},

	OpUNOP:  {"UNOP", 1, 1, []string{"sym"}},
	OpBINOP: {"BINOP", 2, 1, []string{"sym"}},

	OpJOF:         {"JOF", 1, 0, []string{"addr"}},
	OpGOTO:        {"GOTO", 0, 0, []string{"addr"}},
	OpENTER_SCOPE: {"ENTER_SCOPE", 0, 0, []string{"num"}},
	OpEXIT_SCOPE:  {"EXIT_SCOPE", 0, 0, nil},
	OpWHILE_MARK:  {"WHILE_MARK", 0, 0, []string{"start", "end"}},
	OpEXIT_WHILE:  {"EXIT_WHILE", 0, 0, nil},
	OpBREAK_CONT:  {"BREAK_CONT", 0, 0, []string{"type"}},
	OpDONE:        {"DONE", 0, 0, nil},

	OpLDF:       {"LDF", 0, 1, []string{"arity", "addr"}},
	OpCALL:      {"CALL", -1, 1, []string{"arity"}},
	OpTAIL_CALL: {"TAIL_CALL", -1, 1, []string{"arity"}},
	OpRESET:     {"RESET", 0, 0, nil},
	OpGO:        {"GO", -1, 1, []string{"arity"}},

	OpSEND:      {"SEND", 2, 0, nil},
	OpRECEIVE:   {"RECEIVE", 1, 1, nil},
	OpMUTEX:     {"MUTEX", 1, 1, []string{"type"}},
	OpWAITGROUP: {"WAITGROUP", 1, 1, []string{"type"}},

	OpSLICE_CREATE:      {"SLICE_CREATE", -1, 1, []string{"init_size"}},
	OpCUT_SLICE:         {"CUT_SLICE", 4, 1, nil},
	OpSLICE_GET_ELEMENT: {"SLICE_GET_ELEMENT", 2, 1, nil},
	OpSLICE_SET_ELEMENT: {"SLICE_SET_ELEMENT", 2, 0, nil},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// LookupOpcode returns the opcode with the given wire name.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

// String returns the wire name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// IsJump returns true if this opcode reads a jump target from addr.
func (op Opcode) IsJump() bool {
	return op == OpJOF || op == OpGOTO
}

// IsCall returns true if this opcode applies a callee to arguments.
func (op Opcode) IsCall() bool {
	return op == OpCALL || op == OpTAIL_CALL || op == OpGO
}

// MarshalText encodes the opcode by name.
func (op Opcode) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("bytecode: unknown opcode 0x%02X", byte(op))
	}
	return []byte(op.String()), nil
}

// UnmarshalText decodes an opcode name.
func (op *Opcode) UnmarshalText(text []byte) error {
	v, ok := LookupOpcode(string(text))
	if !ok {
		return fmt.Errorf("bytecode: unknown instruction tag %q", text)
	}
	*op = v
	return nil
}

// MarshalYAML encodes the opcode by name.
func (op Opcode) MarshalYAML() (any, error) {
	b, err := op.MarshalText()
	return string(b), err
}

// UnmarshalYAML decodes an opcode name.
func (op *Opcode) UnmarshalYAML(unmarshal func(any) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	return op.UnmarshalText([]byte(name))
}

// AllOpcodes returns every defined opcode in numeric order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	slices.Sort(opcodes)
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}

// Operator symbols accepted by UNOP and BINOP.
var (
	UnaryOperators  = []string{"-", "-unary", "!"}
	BinaryOperators = []string{"+", "-", "*", "/", "%", "<", "<=", ">=", ">", "==", "!="}
)

// Variants of the type field.
const (
	Break    = "break"
	Continue = "continue"
	Lock     = "Lock"
	Unlock   = "Unlock"
	Add      = "Add"
	Done     = "Done"
	Wait     = "Wait"
)
