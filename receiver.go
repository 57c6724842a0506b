package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/debug"
	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
	"github.com/wirerail/amqp10/internal/shared"
)

// defaultLinkCredit is the link-credit a Receiver issues on attach (and
// replenishes to) when neither Credit nor ManualCredits is set.
const defaultLinkCredit = 100

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link

	messages chan Message // completed, reassembled deliveries ready for Receive

	manualCredits bool
	creditor      *manualCreditor
	maxCredit     uint32

	inFlight struct {
		deliveryID  uint32
		deliveryTag []byte
		format      uint32
		payload     []byte
	}

	settleMu  sync.Mutex
	unsettled map[uint32]struct{}                     // delivery-ids awaiting the sender's settling Disposition in mode Second
	pending   map[uint32]chan encoding.DeliveryState // delivery-ids a local settle call is blocked waiting on
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.key.name
}

// MaxMessageSize is the maximum size of a single message this link accepts.
func (r *Receiver) MaxMessageSize() uint64 {
	return r.maxMessageSize
}

// Address returns the link's source address.
func (r *Receiver) Address() string {
	if r.source == nil {
		return ""
	}
	return r.source.Address
}

// Prefetched returns the number of complete messages buffered locally,
// received but not yet returned from Receive.
func (r *Receiver) Prefetched() int {
	return len(r.messages)
}

// Receive blocks until a message is available, ctx is done, or the link
// detaches.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-r.messages:
		return &msg, nil
	case <-r.detached:
		return nil, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IssueCredit adds additional link-credit outside of the receiver's normal
// auto-renewal, for use when ManualCredits was set in ReceiverOptions.
func (r *Receiver) IssueCredit(credits uint32) error {
	if !r.manualCredits {
		return errors.New("amqp: IssueCredit requires ManualCredits")
	}
	return r.creditor.IssueCredit(credits, r)
}

// Drain marks a drain request pending and blocks until the receiver's next
// outgoing Flow has carried it, for use when ManualCredits was set in
// ReceiverOptions. Drain does not send a Flow itself: the request goes out
// with the next Flow the receiver sends (at attach, or in answer to a peer
// Flow with echo set). The peer's answering Flow is not awaited.
func (r *Receiver) Drain(ctx context.Context) error {
	if !r.manualCredits {
		return errors.New("amqp: Drain requires ManualCredits")
	}
	return r.creditor.Drain(ctx, r)
}

// AcceptMessage settles msg with the Accepted outcome.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage settles msg with the Rejected outcome.
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, e *Error) error {
	return r.settle(ctx, msg, &encoding.StateRejected{Error: e})
}

// ReleaseMessage settles msg with the Released outcome, making it eligible
// for redelivery.
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessage settles msg with the Modified outcome.
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, deliveryFailed, undeliverableHere bool, messageAnnotations encoding.Annotations) error {
	return r.settle(ctx, msg, &encoding.StateModified{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
		MessageAnnotations: messageAnnotations,
	})
}

func (r *Receiver) settle(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if msg.DeliveryID == nil {
		return fmt.Errorf("amqp: message has no delivery-id, it may already be settled")
	}
	deliveryID := *msg.DeliveryID

	if receiverSettleModeValue(r.receiverSettleMode) != ModeSecond {
		fr := &frames.PerformDisposition{
			Role:    encoding.RoleReceiver,
			First:   deliveryID,
			Settled: true,
			State:   state,
		}
		return r.session.txFrame(fr, nil)
	}

	// mode Second: send our outcome unsettled, then wait for the sender's
	// own settling Disposition (routed to us via muxHandleFrame) before
	// considering the delivery settled on our side too.
	r.settleMu.Lock()
	if _, ok := r.unsettled[deliveryID]; !ok {
		r.settleMu.Unlock()
		return nil // already settled (duplicate settle call)
	}
	done := make(chan encoding.DeliveryState, 1)
	r.pending[deliveryID] = done
	r.settleMu.Unlock()

	fr := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: false,
		State:   state,
	}
	if err := r.session.txFrame(fr, nil); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-r.detached:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the Receiver and its AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.closeLink(ctx)
}

func newReceiver(source string, s *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		link: link{
			key:      linkKey{shared.RandString(40), encoding.RoleReceiver},
			session:  s,
			close:    make(chan struct{}),
			detached: make(chan struct{}),
			source:   &frames.Source{Address: source},
			target:   new(frames.Target),
		},
		maxCredit: defaultLinkCredit,
		unsettled: make(map[uint32]struct{}),
		pending:   make(map[uint32]chan encoding.DeliveryState),
	}

	if opts == nil {
		r.messages = make(chan Message, r.maxCredit)
		return r, nil
	}

	for _, v := range opts.Capabilities {
		r.target.Capabilities = append(r.target.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	r.target.Durable = opts.Durability
	if opts.DynamicAddress {
		r.source.Address = ""
		r.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := encoding.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
			return nil, err
		}
		r.target.ExpiryPolicy = opts.ExpiryPolicy
	}
	r.target.Timeout = opts.ExpiryTimeout
	if opts.Name != "" {
		r.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			r.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedSenderSettleMode != nil {
		if ssm := *opts.RequestedSenderSettleMode; ssm > ModeMixed {
			return nil, fmt.Errorf("invalid RequestedSenderSettleMode %d", ssm)
		}
		r.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		if rsm := *opts.SettlementMode; rsm > ModeSecond {
			return nil, fmt.Errorf("invalid SettlementMode %d", rsm)
		}
		r.receiverSettleMode = opts.SettlementMode
	}
	r.target.Address = opts.TargetAddress
	r.manualCredits = opts.ManualCredits
	if r.manualCredits {
		r.creditor = new(manualCreditor)
	}
	if opts.Credit > 0 {
		r.maxCredit = opts.Credit
	}

	r.messages = make(chan Message, r.maxCredit)
	return r, nil
}

// newIncomingReceiver builds an unattached Receiver to complete a
// remote-initiated attach via attachIncoming.
func newIncomingReceiver(s *Session) *Receiver {
	return &Receiver{
		link: link{
			session:  s,
			close:    make(chan struct{}),
			detached: make(chan struct{}),
			target:   new(frames.Target),
		},
		maxCredit: defaultLinkCredit,
		unsettled: make(map[uint32]struct{}),
		pending:   make(map[uint32]chan encoding.DeliveryState),
	}
}

func (r *Receiver) attach(ctx context.Context, session *Session) error {
	r.rx = make(chan frames.FrameBody, 1)

	if err := r.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(frames.Source)
		}
		pa.Source.Dynamic = r.dynamicAddr
		initialCredit := r.maxCredit
		pa.InitialDeliveryCount = 0
		_ = initialCredit
	}, func(pa *frames.PerformAttach) {
		if r.source == nil {
			r.source = new(frames.Source)
		}
		if r.dynamicAddr && pa.Source != nil {
			r.source.Address = pa.Source.Address
		}
	}); err != nil {
		return err
	}

	r.linkCredit = r.maxCredit
	go r.mux()

	return nil
}

// attachIncoming completes a remote-initiated attach (the peer is the
// sender, we are the receiver), mirroring the peer's source terminus.
func (r *Receiver) attachIncoming(fr *frames.PerformAttach, opts *ReceiverOptions) error {
	r.rx = make(chan frames.FrameBody, 1)

	if fr.Source != nil {
		r.source = fr.Source
	} else if r.source == nil {
		r.source = new(frames.Source)
	}
	if r.target == nil {
		r.target = new(frames.Target)
	}
	if opts != nil && opts.Credit > 0 {
		r.maxCredit = opts.Credit
	}
	if r.messages == nil {
		r.messages = make(chan Message, r.maxCredit)
	}

	if err := r.attachLinkIncoming(fr, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
	}); err != nil {
		return err
	}

	r.linkCredit = r.maxCredit
	go r.mux()
	return nil
}

func (r *Receiver) mux() {
	defer r.muxDetach(context.Background(), nil, nil, func(fr frames.PerformTransfer) {
		_ = r.muxReceive(fr)
	})

	if err := r.sendFlow(0); err != nil {
		r.err = err
		return
	}

	for {
		select {
		case fr := <-r.rx:
			switch fr := fr.(type) {
			case *frames.PerformTransfer:
				if err := r.muxReceive(*fr); err != nil {
					r.err = err
					return
				}
				continue
			}
			r.err = r.muxHandleFrame(fr)
			if r.err != nil {
				return
			}

		case <-r.close:
			r.err = ErrLinkClosed
			return
		case <-r.session.done:
			r.err = r.session.err
			return
		}
	}
}

func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		debug.Logf(3, "RX (receiver): %s", fr)
		if fr.Echo {
			return r.sendFlow(0)
		}
		return nil
	case *frames.PerformDisposition:
		debug.Logf(3, "RX (receiver): %s", fr)
		last := fr.First
		if fr.Last != nil {
			last = *fr.Last
		}
		r.settleMu.Lock()
		for id := fr.First; id <= last; id++ {
			delete(r.unsettled, id)
			if done, ok := r.pending[id]; ok {
				delete(r.pending, id)
				done <- fr.State
			}
		}
		r.settleMu.Unlock()
		return nil
	default:
		return r.link.muxHandleFrame(fr)
	}
}

// muxReceive assembles a (possibly fragmented) Transfer into a completed
// Message, pushing it onto r.messages once the final fragment (more=false)
// arrives.
func (r *Receiver) muxReceive(fr frames.PerformTransfer) error {
	if len(r.inFlight.payload) == 0 && fr.DeliveryID != nil {
		r.inFlight.deliveryID = *fr.DeliveryID
		r.inFlight.deliveryTag = append([]byte(nil), fr.DeliveryTag...)
		if fr.MessageFormat != nil {
			r.inFlight.format = *fr.MessageFormat
		}
	}
	r.inFlight.payload = append(r.inFlight.payload, fr.Payload...)

	if fr.More {
		return nil
	}

	msg := Message{
		DeliveryTag: r.inFlight.deliveryTag,
		Format:      r.inFlight.format,
	}
	deliveryID := r.inFlight.deliveryID
	msg.DeliveryID = &deliveryID
	payload := r.inFlight.payload
	r.inFlight.payload = nil

	if err := msg.Unmarshal(buffer.New(payload)); err != nil {
		return err
	}

	r.deliveryCount++
	r.linkCredit--

	if !fr.Settled && receiverSettleModeValue(r.receiverSettleMode) == ModeSecond {
		r.settleMu.Lock()
		r.unsettled[deliveryID] = struct{}{}
		r.settleMu.Unlock()
	} else if !fr.Settled {
		// mode First: settle immediately on our side, per spec.
		_ = r.session.txFrame(&frames.PerformDisposition{
			Role:    encoding.RoleReceiver,
			First:   deliveryID,
			Settled: true,
			State:   &encoding.StateAccepted{},
		}, nil)
	}

	select {
	case r.messages <- msg:
	case <-r.close:
		return ErrLinkClosed
	case <-r.session.done:
		return r.session.err
	}

	if !r.manualCredits && r.linkCredit <= r.maxCredit/2 {
		return r.sendFlow(r.maxCredit - r.linkCredit)
	}
	return nil
}

// sendFlow issues additional link-credit (and, for ManualCredits receivers,
// any pending drain) to the peer.
func (r *Receiver) sendFlow(additionalCredit uint32) error {
	var drain bool
	if r.manualCredits {
		drain, additionalCredit = r.creditor.FlowBits()
	}

	r.linkCredit += additionalCredit
	linkCredit := r.linkCredit
	deliveryCount := r.deliveryCount

	fr := &frames.PerformFlow{
		Handle:        &r.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
		Drain:         drain,
	}
	debug.Logf(1, "TX (receiver): %s", fr)
	if err := r.session.txFrame(fr, nil); err != nil {
		return err
	}
	if drain {
		r.creditor.EndDrain()
	}
	return nil
}
