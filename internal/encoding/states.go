package encoding

import "fmt"

// DeliveryState is the outcome (or in-flight state) of a delivery, carried
// on Transfer and Disposition frames. It's a closed set in the base spec
// (Received/Accepted/Rejected/Released/Modified) extended here with the
// transactional outcomes from the transactions extension (Declared,
// TransactionalState) per SPEC_FULL.md's transaction-layer decoration.
type DeliveryState interface {
	deliveryState()
	fmt.Stringer
}

// StateReceived indicates partial transfer progress for a delivery that's
// still being assembled; it's not a terminal outcome.
type StateReceived struct {
	SectionNumber uint32
	SectionOffset uint64
}

func (*StateReceived) deliveryState() {}
func (s *StateReceived) String() string {
	return fmt.Sprintf("Received{SectionNumber: %d, SectionOffset: %d}", s.SectionNumber, s.SectionOffset)
}

// StateAccepted is the terminal "accepted" outcome.
type StateAccepted struct{}

func (*StateAccepted) deliveryState() {}
func (*StateAccepted) String() string { return "Accepted{}" }

// StateRejected is the terminal "rejected" outcome, optionally carrying
// the reason as an Error.
type StateRejected struct {
	Error *Error
}

func (*StateRejected) deliveryState() {}
func (s *StateRejected) String() string { return fmt.Sprintf("Rejected{Error: %v}", s.Error) }

// StateReleased is the terminal "released" outcome: the message is
// returned to the sender's control, undelivered.
type StateReleased struct{}

func (*StateReleased) deliveryState() {}
func (*StateReleased) String() string { return "Released{}" }

// StateModified is the terminal "modified" outcome.
type StateModified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
	MessageAnnotations Annotations
}

func (*StateModified) deliveryState() {}
func (s *StateModified) String() string {
	return fmt.Sprintf("Modified{DeliveryFailed: %t, UndeliverableHere: %t, MessageAnnotations: %v}",
		s.DeliveryFailed, s.UndeliverableHere, s.MessageAnnotations)
}

// StateDeclared is returned by the transaction coordinator in response to
// a Declare, carrying the newly allocated transaction-id.
type StateDeclared struct {
	TransactionID []byte
}

func (*StateDeclared) deliveryState() {}
func (s *StateDeclared) String() string { return fmt.Sprintf("Declared{TransactionID: %x}", s.TransactionID) }

// StateTransactional decorates an outcome with a transaction-id: a
// delivery sent or settled within a transaction's scope carries one of
// these instead of a bare outcome. The core engine never interprets
// Outcome; it only stores and forwards it, per SPEC_FULL.md §5.
type StateTransactional struct {
	TransactionID []byte
	Outcome       DeliveryState
}

func (*StateTransactional) deliveryState() {}
func (s *StateTransactional) String() string {
	return fmt.Sprintf("Transactional{TransactionID: %x, Outcome: %v}", s.TransactionID, s.Outcome)
}
