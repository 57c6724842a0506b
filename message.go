package amqp

import (
	"fmt"
	"time"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/encoding"
)

// MessageHeader carries transfer-level delivery hints: durability,
// priority, TTL, and redelivery bookkeeping. It's the 0x70 section.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // from milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: &h.Durable, Omit: !h.Durable},
		{Value: &h.Priority, Omit: h.Priority == 4},
		{Value: (*encoding.Milliseconds)(&h.TTL), Omit: h.TTL == 0},
		{Value: &h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: &h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader,
		encoding.UnmarshalField{Field: &h.Durable},
		encoding.UnmarshalField{Field: &h.Priority, HandleNull: func() error { h.Priority = 4; return nil }},
		encoding.UnmarshalField{Field: (*encoding.Milliseconds)(&h.TTL)},
		encoding.UnmarshalField{Field: &h.FirstAcquirer},
		encoding.UnmarshalField{Field: &h.DeliveryCount},
	)
}

// MessageProperties carries the immutable, application-facing envelope
// fields. It's the 0x73 section.
type MessageProperties struct {
	MessageID          any
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        encoding.Symbol
	ContentEncoding    encoding.Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: &p.MessageID, Omit: p.MessageID == nil},
		{Value: &p.UserID, Omit: len(p.UserID) == 0},
		{Value: &p.To, Omit: p.To == ""},
		{Value: &p.Subject, Omit: p.Subject == ""},
		{Value: &p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: &p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: &p.ContentType, Omit: p.ContentType == ""},
		{Value: &p.ContentEncoding, Omit: p.ContentEncoding == ""},
		{Value: &p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: &p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: &p.GroupID, Omit: p.GroupID == ""},
		{Value: &p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: &p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties,
		encoding.UnmarshalField{Field: &p.MessageID},
		encoding.UnmarshalField{Field: &p.UserID},
		encoding.UnmarshalField{Field: &p.To},
		encoding.UnmarshalField{Field: &p.Subject},
		encoding.UnmarshalField{Field: &p.ReplyTo},
		encoding.UnmarshalField{Field: &p.CorrelationID},
		encoding.UnmarshalField{Field: &p.ContentType},
		encoding.UnmarshalField{Field: &p.ContentEncoding},
		encoding.UnmarshalField{Field: &p.AbsoluteExpiryTime},
		encoding.UnmarshalField{Field: &p.CreationTime},
		encoding.UnmarshalField{Field: &p.GroupID},
		encoding.UnmarshalField{Field: &p.GroupSequence},
		encoding.UnmarshalField{Field: &p.ReplyToGroupID},
	)
}

// Message is a single AMQP message: an ordered sequence of optional
// sections plus the delivery-level fields a Sender/Receiver needs to
// place it on, or take it off, the wire.
//
// Exactly one of Data, Sequence, or Value should be set as the body; a
// message with none of the three is legal (an empty amqp-value body is
// substituted on send) but decoded messages always report which form the
// peer actually used.
type Message struct {
	// DeliveryTag uniquely identifies this delivery within the link. If
	// left nil, Sender.Send assigns one automatically.
	DeliveryTag []byte

	// Format is the message-format field of the Transfer carrying this
	// message; 0 for the standard AMQP message encoding.
	Format uint32

	// SendSettled requests the delivery be sent pre-settled when the
	// link's sender-settle-mode is Mixed. Ignored for other modes.
	SendSettled bool

	Header                 *MessageHeader
	DeliveryAnnotations    encoding.Annotations
	Annotations            encoding.Annotations
	Properties             *MessageProperties
	ApplicationProperties  map[string]any
	Data                   [][]byte
	Sequence               []any
	Value                  any
	Footer                 encoding.Annotations

	// hasValue/hasSequence distinguish an explicitly-set-but-empty Value
	// from an absent one; Data is distinguished by nil-vs-non-nil.
	hasValue    bool
	hasSequence bool

	// DeliveryID, if non-nil, is the session-scoped delivery identifier
	// this message was received under; used by Accept/Reject/Release to
	// address the corresponding Disposition.
	DeliveryID *uint32
}

// Marshal encodes msg into a single contiguous buffer suitable for
// splitting across Transfer payloads.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		if err := encoding.MarshalAnnotations(wr, encoding.TypeCodeDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
			return err
		}
	}
	if len(m.Annotations) > 0 {
		if err := encoding.MarshalAnnotations(wr, encoding.TypeCodeMessageAnnotations, m.Annotations); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		fields := make(encoding.Fields, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			fields[encoding.Symbol(k)] = v
		}
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationProperties, []encoding.MarshalField{
			{Value: fields, Omit: false},
		}); err != nil {
			return err
		}
	}

	switch {
	case len(m.Data) > 0:
		for _, d := range m.Data {
			data := d
			if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationData, []encoding.MarshalField{
				{Value: &data, Omit: false},
			}); err != nil {
				return err
			}
		}
	case m.hasSequence || m.Sequence != nil:
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeAMQPSequence, []encoding.MarshalField{
			{Value: m.Sequence, Omit: false},
		}); err != nil {
			return err
		}
	default:
		v := m.Value
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeAMQPValue, []encoding.MarshalField{
			{Value: &v, Omit: false},
		}); err != nil {
			return err
		}
	}

	if len(m.Footer) > 0 {
		if err := encoding.MarshalAnnotations(wr, encoding.TypeCodeFooter, m.Footer); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes the section-by-section body of a reassembled message
// payload into m.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		code, err := encoding.PeekCompositeType(r)
		if err != nil {
			return err
		}

		switch encoding.AMQPType(code) {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			if err := m.Header.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			if err := encoding.UnmarshalAnnotations(r, encoding.TypeCodeDeliveryAnnotations, &m.DeliveryAnnotations); err != nil {
				return err
			}
		case encoding.TypeCodeMessageAnnotations:
			if err := encoding.UnmarshalAnnotations(r, encoding.TypeCodeMessageAnnotations, &m.Annotations); err != nil {
				return err
			}
		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			if err := m.Properties.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			var fields encoding.Fields
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeApplicationProperties, encoding.UnmarshalField{Field: &fields}); err != nil {
				return err
			}
			m.ApplicationProperties = make(map[string]any, len(fields))
			for k, v := range fields {
				m.ApplicationProperties[string(k)] = v
			}
		case encoding.TypeCodeApplicationData:
			var data []byte
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeApplicationData, encoding.UnmarshalField{Field: &data}); err != nil {
				return err
			}
			m.Data = append(m.Data, data)
		case encoding.TypeCodeAMQPSequence:
			var seq []any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeAMQPSequence, encoding.UnmarshalField{Field: &seq}); err != nil {
				return err
			}
			m.Sequence = seq
			m.hasSequence = true
		case encoding.TypeCodeAMQPValue:
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeAMQPValue, encoding.UnmarshalField{Field: &m.Value}); err != nil {
				return err
			}
			m.hasValue = true
		case encoding.TypeCodeFooter:
			if err := encoding.UnmarshalAnnotations(r, encoding.TypeCodeFooter, &m.Footer); err != nil {
				return err
			}
		default:
			return fmt.Errorf("amqp: message: unexpected section descriptor %#02x", code)
		}
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{DeliveryTag: %x, Format: %d, Data: %d section(s)}", m.DeliveryTag, m.Format, len(m.Data))
}

// NewMessage returns a Message whose body is a single Data section
// containing data.
func NewMessage(data []byte) *Message {
	return &Message{Data: [][]byte{data}}
}

// GetData returns the first Data section, or nil if the message's body
// wasn't a Data section.
func (m *Message) GetData() []byte {
	if len(m.Data) == 0 {
		return nil
	}
	return m.Data[0]
}
