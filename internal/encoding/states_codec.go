package encoding

import (
	"fmt"

	"github.com/wirerail/amqp10/internal/buffer"
)

func (s *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: &s.SectionNumber, Omit: false},
		{Value: &s.SectionOffset, Omit: false},
	})
}

func (s *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived,
		UnmarshalField{Field: &s.SectionNumber, HandleNull: func() error { return fmt.Errorf("encoding: Received.SectionNumber is required") }},
		UnmarshalField{Field: &s.SectionOffset, HandleNull: func() error { return fmt.Errorf("encoding: Received.SectionOffset is required") }},
	)
}

func (s *StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

func (s *StateAccepted) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted)
}

func (s *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: s.Error, Omit: s.Error == nil},
	})
}

func (s *StateRejected) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected, UnmarshalField{Field: &s.Error})
}

func (s *StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

func (s *StateReleased) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased)
}

func (s *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: &s.DeliveryFailed, Omit: !s.DeliveryFailed},
		{Value: &s.UndeliverableHere, Omit: !s.UndeliverableHere},
		{Value: s.MessageAnnotations, Omit: s.MessageAnnotations == nil},
	})
}

func (s *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified,
		UnmarshalField{Field: &s.DeliveryFailed},
		UnmarshalField{Field: &s.UndeliverableHere},
		UnmarshalField{Field: &s.MessageAnnotations},
	)
}

func (s *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclared, []MarshalField{
		{Value: &s.TransactionID, Omit: false},
	})
}

func (s *StateDeclared) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclared,
		UnmarshalField{Field: &s.TransactionID, HandleNull: func() error { return fmt.Errorf("encoding: Declared.TransactionID is required") }},
	)
}

func (s *StateTransactional) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTxnState, []MarshalField{
		{Value: &s.TransactionID, Omit: false},
		{Value: s.Outcome, Omit: s.Outcome == nil},
	})
}

func (s *StateTransactional) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTxnState,
		UnmarshalField{Field: &s.TransactionID, HandleNull: func() error { return fmt.Errorf("encoding: TransactionalState.TransactionID is required") }},
		UnmarshalField{Field: &s.Outcome},
	)
}

// unmarshalDeliveryState peeks the descriptor of the next composite and
// decodes it into the matching concrete DeliveryState implementation.
func unmarshalDeliveryState(r *buffer.Buffer) (DeliveryState, error) {
	code, err := peekCompositeCode(r)
	if err != nil {
		return nil, err
	}
	var out interface {
		Unmarshal(r *buffer.Buffer) error
		DeliveryState
	}
	switch code {
	case TypeCodeStateReceived:
		out = &StateReceived{}
	case TypeCodeStateAccepted:
		out = &StateAccepted{}
	case TypeCodeStateRejected:
		out = &StateRejected{}
	case TypeCodeStateReleased:
		out = &StateReleased{}
	case TypeCodeStateModified:
		out = &StateModified{}
	case TypeCodeDeclared:
		out = &StateDeclared{}
	case TypeCodeTxnState:
		out = &StateTransactional{}
	default:
		return nil, fmt.Errorf("encoding: unknown delivery-state descriptor %#02x", code)
	}
	if err := out.Unmarshal(r); err != nil {
		return nil, err
	}
	return out, nil
}

// peekCompositeCode reads a composite's descriptor code without
// consuming the composite body past the descriptor.
func peekCompositeCode(r *buffer.Buffer) (AMQPType, error) {
	buf, ok := r.Peek(3)
	if !ok {
		return 0, fmt.Errorf("encoding: buffer underrun peeking composite descriptor")
	}
	if buf[0] != 0x0 {
		return 0, fmt.Errorf("encoding: expected descriptor constructor, got %#02x", buf[0])
	}
	if AMQPType(buf[1]) != TypeCodeSmallUlong {
		return 0, fmt.Errorf("encoding: unsupported descriptor encoding %#02x", buf[1])
	}
	return AMQPType(buf[2]), nil
}
