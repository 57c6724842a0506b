package encoding

import (
	"fmt"

	"github.com/wirerail/amqp10/internal/buffer"
)

// Declare is sent as the amqp-value body of a Transfer on a transaction
// controller's coordinator link to begin a new transaction.
type Declare struct {
	// GlobalID requests a global (rather than local) transaction-id;
	// left nil for the common single-resource case.
	GlobalID any
}

func (d *Declare) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclare, []MarshalField{
		{Value: d.GlobalID, Omit: d.GlobalID == nil},
	})
}

func (d *Declare) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclare, UnmarshalField{Field: &d.GlobalID})
}

func (d *Declare) String() string { return fmt.Sprintf("Declare{GlobalID: %v}", d.GlobalID) }

// Discharge is sent as the amqp-value body of a Transfer on a transaction
// controller's coordinator link to end a transaction, committing
// (Fail=false) or rolling back (Fail=true) its work.
type Discharge struct {
	TransactionID []byte
	Fail          bool
}

func (d *Discharge) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDischarge, []MarshalField{
		{Value: &d.TransactionID, Omit: false},
		{Value: &d.Fail, Omit: !d.Fail},
	})
}

func (d *Discharge) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDischarge,
		UnmarshalField{Field: &d.TransactionID, HandleNull: func() error { return fmt.Errorf("encoding: Discharge.TransactionID is required") }},
		UnmarshalField{Field: &d.Fail},
	)
}

func (d *Discharge) String() string {
	return fmt.Sprintf("Discharge{TransactionID: %x, Fail: %t}", d.TransactionID, d.Fail)
}
