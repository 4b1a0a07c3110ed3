package domain

import "fmt"

type Action string

const (
	ActionTurnOn  Action = "turn_on"
	ActionTurnOff Action = "turn_off"
	ActionCycle   Action = "cycle"
)

// CommandError is returned when a user-issued on/off/cycle call fails after
// its optimistic write was rolled back.
type CommandError struct {
	Key    string
	Label  string
	Action Action
	Err    error
}

func (e *CommandError) Error() string {
	name := e.Label
	if name == "" {
		name = e.Key
	}
	return fmt.Sprintf("%s %s: %v", e.Action, name, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
