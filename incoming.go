package amqp

import (
	"context"
	"fmt"

	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
)

// IncomingLink is a remote-initiated attach awaiting a matching local link,
// obtained from Session.AcceptLink. Grounded on fe2o3-amqp's
// acceptor::link::LinkEndpoint: the peer's declared role tells us which
// local role completes the handshake.
type IncomingLink struct {
	session *Session
	attach  *frames.PerformAttach
}

// RemoteRole is the role the peer attached as; a remote sender expects us
// to complete as a Receiver, and vice versa.
func (il *IncomingLink) RemoteRole() encoding.Role {
	return il.attach.Role
}

// SourceAddress is the address the peer's Attach carried in its Source
// terminus, if any.
func (il *IncomingLink) SourceAddress() string {
	if il.attach.Source != nil {
		return il.attach.Source.Address
	}
	return ""
}

// TargetAddress is the address the peer's Attach carried in its Target
// terminus, if any.
func (il *IncomingLink) TargetAddress() string {
	if tgt, ok := il.attach.Target.(*frames.Target); ok && tgt != nil {
		return tgt.Address
	}
	return ""
}

// AcceptAsReceiver completes the attach as a receiving link. The peer must
// have attached in the sender role.
func (il *IncomingLink) AcceptAsReceiver(opts *ReceiverOptions) (*Receiver, error) {
	if il.attach.Role != encoding.RoleSender {
		return nil, fmt.Errorf("amqp: incoming link attached as receiver, cannot accept as receiver")
	}
	r := newIncomingReceiver(il.session)
	if err := r.attachIncoming(il.attach, opts); err != nil {
		return nil, err
	}
	return r, nil
}

// AcceptAsSender completes the attach as a sending link. The peer must have
// attached in the receiver role.
func (il *IncomingLink) AcceptAsSender() (*Sender, error) {
	if il.attach.Role != encoding.RoleReceiver {
		return nil, fmt.Errorf("amqp: incoming link attached as sender, cannot accept as sender")
	}
	s := newIncomingSender(il.session)
	if err := s.attachIncoming(il.attach); err != nil {
		return nil, err
	}
	return s, nil
}

// Reject declines the incoming attach, replying with a closing Detach that
// carries reason.
func (il *IncomingLink) Reject(reason *Error) error {
	return il.session.txFrame(&frames.PerformDetach{
		Handle: il.attach.Handle,
		Closed: true,
		Error:  reason,
	}, nil)
}

// SessionAcceptor completes remote-initiated Begins on a Connection,
// mirroring fe2o3-amqp's acceptor::session::SessionAcceptor.
type SessionAcceptor struct{}

// NewSessionAcceptor returns a SessionAcceptor ready to Accept sessions on
// any Connection.
func NewSessionAcceptor() *SessionAcceptor {
	return &SessionAcceptor{}
}

// Accept blocks until the peer begins a session on c.
func (a *SessionAcceptor) Accept(ctx context.Context, c *Conn) (*Session, error) {
	return c.AcceptSession(ctx)
}

// LinkAcceptor completes remote-initiated attaches on a Session in a loop,
// mirroring fe2o3-amqp's acceptor::link::LinkAcceptor.
type LinkAcceptor struct{}

// NewLinkAcceptor returns a LinkAcceptor ready to Accept links on any
// Session.
func NewLinkAcceptor() *LinkAcceptor {
	return &LinkAcceptor{}
}

// Accept blocks until the peer attempts to attach a link on s.
func (a *LinkAcceptor) Accept(ctx context.Context, s *Session) (*IncomingLink, error) {
	return s.AcceptLink(ctx)
}
