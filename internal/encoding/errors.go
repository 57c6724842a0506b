package encoding

import "fmt"

// ErrCond is an AMQP-defined error condition symbol, e.g. "amqp:not-found".
type ErrCond string

// Error is the wire `definitions::error` composite: a condition symbol
// plus an optional human-readable description and info map. Every tier
// (connection/session/link) closes with one of these attached to its
// Close/End/Detach performative.
type Error struct {
	Condition   ErrCond
	Description string
	Info        Fields
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) String() string {
	return e.Error()
}
