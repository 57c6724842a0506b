package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wirerail/amqp10/internal/debug"
	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
	"github.com/wirerail/amqp10/internal/shared"
)

// linkKey uniquely identifies a link on a connection by name and direction.
//
// A link can be identified uniquely by the ordered tuple
//
//	(source-container-id, target-container-id, name)
//
// On a single connection the container ID pairs can be abbreviated
// to a boolean flag indicating the direction of the link.
type linkKey struct {
	name string
	role encoding.Role // Local role: sender/receiver
}

// link contains the common state and methods shared by Sender and Receiver.
type link struct {
	key          linkKey // Name and direction
	handle       uint32  // our handle
	remoteHandle uint32  // remote's handle
	dynamicAddr  bool    // request a dynamic link address from the server

	// frames destined for this link are forwarded here by Session.muxFrameToLink
	rx chan frames.FrameBody

	close     chan struct{} // signals the link's mux to shut down
	closeOnce sync.Once

	detached chan struct{} // closed when the link's mux has exited
	err      error         // set before detached is closed

	session    *Session                // parent session
	source     *frames.Source          // used for Receiver links
	target     *frames.Target          // used for Sender links
	properties map[encoding.Symbol]any // additional properties sent upon link attach

	// "The delivery-count is initialized by the sender when a link endpoint is created,
	// and is incremented whenever a message is sent. Only the sender MAY independently
	// modify this field."
	deliveryCount uint32

	// link-credit is set by the receiving endpoint via Flow and consumed by the
	// sending endpoint as messages are transferred.
	linkCredit uint32

	senderSettleMode   *encoding.SenderSettleMode
	receiverSettleMode *encoding.ReceiverSettleMode
	maxMessageSize     uint64
	detachReceived     bool // set to true when the peer initiates link detach/close
}

func newLink(s *Session, r encoding.Role) link {
	return link{
		key:      linkKey{shared.RandString(40), r},
		session:  s,
		close:    make(chan struct{}),
		detached: make(chan struct{}),
	}
}

// waitForFrame waits for an incoming frame destined for this link.
func (l *link) waitForFrame(ctx context.Context) (frames.FrameBody, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.session.done:
		return nil, l.session.err
	case fr := <-l.rx:
		return fr, nil
	}
}

// attachLink sends the Attach performative to establish the link with its
// parent session. Called by Sender.attach, Receiver.attach and
// Session.NewTransactionController.
func (l *link) attachLink(ctx context.Context, session *Session, beforeAttach func(*frames.PerformAttach), afterAttach func(*frames.PerformAttach)) error {
	if err := session.allocateHandle(l); err != nil {
		return err
	}

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		ReceiverSettleMode: l.receiverSettleMode,
		SenderSettleMode:   l.senderSettleMode,
		MaxMessageSize:     l.maxMessageSize,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
	}

	beforeAttach(attach)

	debug.Logf(1, "TX (link): %s", attach)
	if err := l.session.txFrame(attach, nil); err != nil {
		return err
	}

	fr, err := l.waitForFrame(ctx)
	if isContextErr(err) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.muxDetach(ctx, nil, nil, nil)
		}()
		return ctx.Err()
	} else if err != nil {
		return err
	}

	resp, ok := fr.(*frames.PerformAttach)
	if !ok {
		return fmt.Errorf("amqp: unexpected attach response: %#v", fr)
	}
	l.remoteHandle = resp.Handle

	// If the remote encounters an error during the attach it returns an Attach
	// with no Source or Target, then sends a Detach with an error.
	if resp.Source == nil && resp.Target == nil {
		fr, err := l.waitForFrame(ctx)
		if isContextErr(err) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				l.muxDetach(ctx, nil, nil, nil)
			}()
			return ctx.Err()
		} else if err != nil {
			return err
		}

		detach, ok := fr.(*frames.PerformDetach)
		if !ok {
			return fmt.Errorf("amqp: unexpected frame while waiting for detach: %#v", fr)
		}

		_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)

		if detach.Error == nil {
			return fmt.Errorf("amqp: received detach with no error specified")
		}
		return detach.Error
	}

	if l.maxMessageSize == 0 || resp.MaxMessageSize < l.maxMessageSize {
		l.maxMessageSize = resp.MaxMessageSize
	}

	afterAttach(resp)

	if err := l.setSettleModes(resp); err != nil {
		l.muxDetach(ctx, nil, nil, nil)
		return err
	}

	return nil
}

// attachLinkIncoming completes a remote-initiated attach: fr is the peer's
// Attach (already carrying its Source/Target and requested settle modes),
// and beforeReply lets the caller fill in this link's local terminus
// (Source for a local receiver, Target for a local sender) before the reply
// Attach is sent.
func (l *link) attachLinkIncoming(fr *frames.PerformAttach, beforeReply func(*frames.PerformAttach)) error {
	l.key.name = fr.Name
	l.remoteHandle = fr.Handle

	if err := l.session.allocateHandle(l); err != nil {
		return err
	}

	reply := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		ReceiverSettleMode: l.receiverSettleMode,
		SenderSettleMode:   l.senderSettleMode,
		MaxMessageSize:     l.maxMessageSize,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
	}
	beforeReply(reply)

	debug.Logf(1, "TX (link): %s", reply)
	if err := l.session.txFrame(reply, nil); err != nil {
		return err
	}

	if err := l.setSettleModes(fr); err != nil {
		l.muxDetach(context.Background(), nil, nil, nil)
		return err
	}
	return nil
}

// setSettleModes reconciles locally-requested settlement modes against the
// peer's Attach response, erroring if an explicit local request wasn't honored.
func (l *link) setSettleModes(resp *frames.PerformAttach) error {
	respRecvSettle := encoding.ReceiverSettleModeFirst
	if resp.ReceiverSettleMode != nil {
		respRecvSettle = *resp.ReceiverSettleMode
	}
	if l.receiverSettleMode != nil && *l.receiverSettleMode != respRecvSettle {
		return fmt.Errorf("amqp: receiver settlement mode %v requested, received %v from server", *l.receiverSettleMode, respRecvSettle)
	}
	l.receiverSettleMode = &respRecvSettle

	respSendSettle := encoding.SenderSettleModeUnsettled
	if resp.SenderSettleMode != nil {
		respSendSettle = *resp.SenderSettleMode
	}
	if l.senderSettleMode != nil && *l.senderSettleMode != respSendSettle {
		return fmt.Errorf("amqp: sender settlement mode %v requested, received %v from server", *l.senderSettleMode, respSendSettle)
	}
	l.senderSettleMode = &respSendSettle

	return nil
}

// muxHandleFrame processes fr for the cases common to both link roles.
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformDetach:
		if !fr.Closed {
			return &DetachError{&Error{Condition: ErrCondNotImplemented, Description: "non-closing detach not supported"}}
		}
		l.detachReceived = true
		return &DetachError{fr.Error}
	default:
		debug.Logf(1, "RX (link): unexpected frame: %s", fr)
	}
	return nil
}

// closeLink signals the link's mux to shut down and waits for it to exit.
func (l *link) closeLink(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.close) })

	select {
	case <-l.detached:
	case <-ctx.Done():
		return ctx.Err()
	}

	if l.err == ErrLinkClosed {
		return nil
	}
	if de, ok := l.err.(*DetachError); ok && de.RemoteError == nil {
		return nil
	}
	return l.err
}

// muxDetach tears the link down: it sends a closing Detach (carrying err if
// non-nil), waits for the peer's reciprocal Detach, runs deferred cleanup,
// and signals detached. onRXTransfer lets the receiver drain in-flight
// Transfers while shutting down.
func (l *link) muxDetach(ctx context.Context, err *Error, deferred func(), onRXTransfer func(frames.PerformTransfer)) {
	defer func() {
		if ctx.Err() == nil {
			l.session.deallocateHandle(l)
		}
		if deferred != nil {
			deferred()
		}
		close(l.detached)
	}()

	fr := &frames.PerformDetach{
		Handle: l.handle,
		Closed: true,
		Error:  err,
	}

	select {
	case <-ctx.Done():
		return
	case l.session.tx <- fr:
	case <-l.session.done:
		if l.err == nil {
			l.err = l.session.err
		}
		return
	}

	if l.detachReceived {
		return
	}

	for {
		fr, ferr := l.waitForFrame(ctx)
		if isContextErr(ferr) {
			return
		} else if ferr != nil {
			if l.err == nil {
				l.err = ferr
			}
			return
		}

		switch fr := fr.(type) {
		case *frames.PerformDetach:
			if fr.Closed {
				if l.err == nil {
					l.err = &DetachError{fr.Error}
				}
				return
			}
		case *frames.PerformTransfer:
			if onRXTransfer != nil {
				onRXTransfer(*fr)
			}
		}
	}
}
