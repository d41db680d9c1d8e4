// Package bytecode defines the instruction set executed by the goslang
// machine and the formats programs travel in.
//
// A Program is a flat slice of Instructions. Each instruction carries an
// Opcode and the handful of operand fields that opcode reads (see
// OpcodeInfo.Operands); all other fields are zero. Control transfers use
// absolute instruction addresses.
//
// # Formats
//
// Programs are exchanged in three encodings:
//
//   - JSON: an array of objects such as {"tag":"LDC","val":1}. This is
//     the form compilers emit.
//   - YAML: the same structure, convenient for hand-written tests.
//   - CBOR: a canonical binary form with integer keys. Program.Hash is
//     computed over it, so equal programs hash equally whatever format
//     they were loaded from.
//
// # Literals
//
// LDC operands are Literals: undefined, null, booleans, numbers and
// strings. Undefined has no JSON spelling and is expressed by omitting
// the val field.
//
// # Tools
//
// Validate performs a static check of operands and jump targets,
// Disassemble renders a listing, and Builder assembles programs with
// symbolic labels.
package bytecode
