package encoding

import "github.com/wirerail/amqp10/internal/buffer"

func (e *Error) Marshal(wr *buffer.Buffer) error {
	cond := Symbol(e.Condition)
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: &cond, Omit: false},
		{Value: &e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

func (e *Error) Unmarshal(r *buffer.Buffer) error {
	var cond Symbol
	err := UnmarshalComposite(r, TypeCodeError,
		UnmarshalField{Field: &cond},
		UnmarshalField{Field: &e.Description},
		UnmarshalField{Field: &e.Info},
	)
	e.Condition = ErrCond(cond)
	return err
}
