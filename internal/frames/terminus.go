package frames

import (
	"fmt"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/encoding"
)

// Source describes a link's originating terminus: the node messages are
// read from, along with its durability, expiry, and filter semantics.
type Source struct {
	Address                string
	Durable                encoding.Durability
	ExpiryPolicy           encoding.ExpiryPolicy
	Timeout                uint32
	Dynamic                bool
	DynamicNodeProperties  map[encoding.Symbol]any
	DistributionMode       encoding.Symbol
	Filter                 map[encoding.Symbol]*encoding.DescribedType
	DefaultOutcome         any
	Outcomes               encoding.MultiSymbol
	Capabilities           encoding.MultiSymbol
}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSource, []encoding.MarshalField{
		{Value: &s.Address, Omit: s.Address == ""},
		{Value: &s.Durable, Omit: s.Durable == encoding.DurabilityNone},
		{Value: &s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == encoding.ExpiryPolicySessionEnd},
		{Value: &s.Timeout, Omit: s.Timeout == 0},
		{Value: &s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: &s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: filterToFields(s.Filter), Omit: len(s.Filter) == 0},
		{Value: &s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: &s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: &s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	var filter encoding.Fields
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeSource,
		encoding.UnmarshalField{Field: &s.Address},
		encoding.UnmarshalField{Field: &s.Durable},
		encoding.UnmarshalField{Field: &s.ExpiryPolicy, HandleNull: func() error { s.ExpiryPolicy = encoding.ExpiryPolicySessionEnd; return nil }},
		encoding.UnmarshalField{Field: &s.Timeout},
		encoding.UnmarshalField{Field: &s.Dynamic},
		encoding.UnmarshalField{Field: &s.DynamicNodeProperties},
		encoding.UnmarshalField{Field: &s.DistributionMode},
		encoding.UnmarshalField{Field: &filter},
		encoding.UnmarshalField{Field: &s.DefaultOutcome},
		encoding.UnmarshalField{Field: &s.Outcomes},
		encoding.UnmarshalField{Field: &s.Capabilities},
	)
	if err != nil {
		return err
	}
	s.Filter = filterFromFields(filter)
	return nil
}

func (s *Source) String() string {
	return fmt.Sprintf("Source{Address: %s, Durable: %d, ExpiryPolicy: %s, Timeout: %d, Dynamic: %t, Filter: %v}",
		s.Address, s.Durable, s.ExpiryPolicy, s.Timeout, s.Dynamic, s.Filter)
}

// Target describes a link's destination terminus: the node messages are
// written to, along with its durability and expiry semantics.
type Target struct {
	Address               string
	Durable               encoding.Durability
	ExpiryPolicy          encoding.ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[encoding.Symbol]any
	Capabilities          encoding.MultiSymbol
}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeTarget, []encoding.MarshalField{
		{Value: &t.Address, Omit: t.Address == ""},
		{Value: &t.Durable, Omit: t.Durable == encoding.DurabilityNone},
		{Value: &t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == encoding.ExpiryPolicySessionEnd},
		{Value: &t.Timeout, Omit: t.Timeout == 0},
		{Value: &t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: &t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeTarget,
		encoding.UnmarshalField{Field: &t.Address},
		encoding.UnmarshalField{Field: &t.Durable},
		encoding.UnmarshalField{Field: &t.ExpiryPolicy, HandleNull: func() error { t.ExpiryPolicy = encoding.ExpiryPolicySessionEnd; return nil }},
		encoding.UnmarshalField{Field: &t.Timeout},
		encoding.UnmarshalField{Field: &t.Dynamic},
		encoding.UnmarshalField{Field: &t.DynamicNodeProperties},
		encoding.UnmarshalField{Field: &t.Capabilities},
	)
}

func (t *Target) String() string {
	return fmt.Sprintf("Target{Address: %s, Durable: %d, ExpiryPolicy: %s, Timeout: %d, Dynamic: %t}",
		t.Address, t.Durable, t.ExpiryPolicy, t.Timeout, t.Dynamic)
}

// Coordinator is the target terminus of a transaction controller link; it
// carries no fields of its own beyond the set of transaction capabilities
// the controller supports.
type Coordinator struct {
	Capabilities encoding.MultiSymbol
}

func (c *Coordinator) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeCoordinator, []encoding.MarshalField{
		{Value: &c.Capabilities, Omit: len(c.Capabilities) == 0},
	})
}

func (c *Coordinator) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeCoordinator,
		encoding.UnmarshalField{Field: &c.Capabilities},
	)
}

func (c *Coordinator) String() string {
	return fmt.Sprintf("Coordinator{Capabilities: %v}", c.Capabilities)
}

// unmarshalTargetArchetype decodes an attach's target field, which is one
// of two composite types on the wire (target or coordinator), into the
// matching concrete Go type. Grounded on fe2o3-amqp's shared
// TargetArchetype trait: both termini are valid in the same field-list
// position, distinguished only by their descriptor.
func unmarshalTargetArchetype(r *buffer.Buffer) (any, error) {
	code, err := encoding.PeekCompositeType(r)
	if err != nil {
		return nil, err
	}
	switch code {
	case encoding.TypeCodeTarget:
		t := new(Target)
		if err := t.Unmarshal(r); err != nil {
			return nil, err
		}
		return t, nil
	case encoding.TypeCodeCoordinator:
		c := new(Coordinator)
		if err := c.Unmarshal(r); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("frames: unsupported attach target descriptor %#02x", code)
	}
}

// filterToFields degrades a typed filter set to the Fields map the wire
// encoder understands; filter values are described-type predicates such
// as amqp:selector-filter:string.
func filterToFields(f map[encoding.Symbol]*encoding.DescribedType) encoding.Fields {
	if len(f) == 0 {
		return nil
	}
	out := make(encoding.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func filterFromFields(f encoding.Fields) map[encoding.Symbol]*encoding.DescribedType {
	if len(f) == 0 {
		return nil
	}
	out := make(map[encoding.Symbol]*encoding.DescribedType, len(f))
	for k, v := range f {
		switch dt := v.(type) {
		case *encoding.DescribedType:
			out[k] = dt
		case encoding.DescribedType:
			out[k] = &dt
		default:
			out[k] = &encoding.DescribedType{Value: v}
		}
	}
	return out
}
