package vm

import "fmt"

// State is the scheduling state of a Machine.
type State uint8

const (
	Default State = iota
	Finished
	Errored
	BlockedSend    // waiting to hand a value to a channel
	BlockedReceive // waiting for a value from a channel
	FailedLock     // Lock must be retried next timeslice
	FailedWait     // Wait must be retried next timeslice
)

var stateNames = [...]string{
	Default:        "default",
	Finished:       "finished",
	Errored:        "errored",
	BlockedSend:    "blocked_send",
	BlockedReceive: "blocked_receive",
	FailedLock:     "failed_lock",
	FailedWait:     "failed_wait",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether the machine will never run again.
func (s State) Terminal() bool {
	return s == Finished || s == Errored
}

// Blocked reports whether the machine waits on the scheduler to be woken.
func (s State) Blocked() bool {
	return s == BlockedSend || s == BlockedReceive
}

// Retrying reports whether the machine yielded to retry its current
// instruction.
func (s State) Retrying() bool {
	return s == FailedLock || s == FailedWait
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("vm: unknown machine state %q", text)
}
