// Package vm implements the goslang bytecode machine and its scheduler.
//
// This package contains:
//   - Machine: one interpreter instance with an operand stack, program
//     counter, environment and control stack
//   - the microcode for every bytecode.Opcode
//   - the builtin table threaded through each run
//   - Scheduler: cooperative round-robin execution of all machines that
//     share one heap, with channel rendezvous and deadlock detection
//   - Profiler: per-opcode and per-function counters
//
// Execution is single-threaded. Machines only yield at the end of a
// timeslice, when blocked on a channel, or when a Lock or Wait has to be
// retried, so the collector can always enumerate every root between
// instructions.
package vm
