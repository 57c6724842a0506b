package amqp

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
)

// TransactionController is a sender link whose target is a Coordinator
// composite rather than an ordinary Target: it declares and discharges
// transactions on behalf of sends/receives made under their scope.
type TransactionController struct {
	link
	transfers       chan frames.PerformTransfer
	nextDeliveryTag uint64
	pending         map[uint32]chan encoding.DeliveryState
}

// NewTransactionController opens a new transaction-controller link on the
// session, attaching to the resource's Coordinator terminus.
func (s *Session) NewTransactionController(ctx context.Context, capabilities ...string) (*TransactionController, error) {
	tc := &TransactionController{
		link: newLink(s, encoding.RoleSender),
	}

	coord := &frames.Coordinator{}
	for _, c := range capabilities {
		coord.Capabilities = append(coord.Capabilities, encoding.Symbol(c))
	}

	tc.rx = make(chan frames.FrameBody, 1)
	if err := tc.attachLink(ctx, s, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		pa.Target = coord
	}, func(pa *frames.PerformAttach) {}); err != nil {
		return nil, err
	}
	tc.transfers = make(chan frames.PerformTransfer)
	go tc.mux()
	return tc, nil
}

func (tc *TransactionController) mux() {
	defer tc.muxDetach(context.Background(), nil, nil, nil)
	tc.pending = make(map[uint32]chan encoding.DeliveryState)

	for {
		select {
		case fr := <-tc.rx:
			switch fr := fr.(type) {
			case *frames.PerformDisposition:
				last := fr.First
				if fr.Last != nil {
					last = *fr.Last
				}
				for id := fr.First; id <= last; id++ {
					if done, ok := tc.pending[id]; ok {
						done <- fr.State
						delete(tc.pending, id)
					}
				}
			default:
				if err := tc.link.muxHandleFrame(fr); err != nil {
					tc.err = err
					return
				}
			}

		case tr := <-tc.transfers:
			tc.pending[*tr.DeliveryID] = tr.Done
			select {
			case tc.session.txTransfer <- &tr:
				tc.deliveryCount++
			case <-tc.close:
				tc.err = ErrLinkClosed
				return
			case <-tc.session.done:
				tc.err = tc.session.err
				return
			}

		case <-tc.close:
			tc.err = ErrLinkClosed
			return
		case <-tc.session.done:
			tc.err = tc.session.err
			return
		}
	}
}

// Declare begins a new transaction, returning the transaction-id the
// resource allocated for it.
func (tc *TransactionController) Declare(ctx context.Context) ([]byte, error) {
	state, err := tc.roundTrip(ctx, &encoding.Declare{})
	if err != nil {
		return nil, err
	}
	declared, ok := state.(*encoding.StateDeclared)
	if !ok {
		return nil, fmt.Errorf("amqp: expected Declared outcome, got %T", state)
	}
	return declared.TransactionID, nil
}

// Discharge ends a transaction: fail=false commits its work, fail=true
// rolls it back.
func (tc *TransactionController) Discharge(ctx context.Context, txnID []byte, fail bool) error {
	_, err := tc.roundTrip(ctx, &encoding.Discharge{TransactionID: txnID, Fail: fail})
	return err
}

// Close closes the controller link.
func (tc *TransactionController) Close(ctx context.Context) error {
	return tc.closeLink(ctx)
}

// roundTrip sends value (a Declare or Discharge) as the amqp-value body of
// an unsettled Transfer and waits for the coordinator's settling
// Disposition, returning its outcome.
func (tc *TransactionController) roundTrip(ctx context.Context, value any) (encoding.DeliveryState, error) {
	msg := &Message{Value: value, hasValue: true}
	var buf buffer.Buffer
	if err := msg.Marshal(&buf); err != nil {
		return nil, err
	}

	tag := tc.nextDeliveryTag
	tc.nextDeliveryTag++
	// -1 since AddUint32 returns the post-increment value; matches the
	// allocation in Sender.send and session.mux, so the paths never hand
	// out the same delivery ID from the shared counter.
	deliveryID := atomic.AddUint32(&tc.session.nextDeliveryID, 1) - 1
	done := make(chan encoding.DeliveryState, 1)

	fr := frames.PerformTransfer{
		Handle:      tc.handle,
		DeliveryID:  &deliveryID,
		DeliveryTag: []byte{byte(tag), byte(tag >> 8), byte(tag >> 16), byte(tag >> 24)},
		Payload:     buf.Bytes(),
		Done:        done,
	}

	select {
	case tc.transfers <- fr:
	case <-tc.detached:
		return nil, tc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case state := <-done:
		return state, nil
	case <-tc.detached:
		return nil, tc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
