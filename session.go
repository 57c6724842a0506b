package amqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wirerail/amqp10/internal/debug"
	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
)

// sessionState mirrors the session state machine of spec.md §4.3.
type sessionState uint8

const (
	sessionUnmapped sessionState = iota
	sessionBeginSent
	sessionBeginReceived
	sessionMapped
	sessionEndSent
	sessionEndReceived
	sessionDiscarding
)

const defaultWindow = 5000

// SessionOptions configure a new Session created by Conn.NewSession.
type SessionOptions struct {
	// IncomingWindow sets the transfer-id window this session advertises
	// to its peer.
	IncomingWindow uint32
	// OutgoingWindow sets the local outgoing window.
	OutgoingWindow uint32
	// MaxLinks caps the number of links this session will allocate
	// handles for (handle-max).
	MaxLinks uint32
}

// Session represents an AMQP session, the middle tier between a Connection
// and its Links: it multiplexes handle-addressed link traffic and performs
// transfer-id window accounting.
type Session struct {
	conn *Conn

	channel       uint16  // local (outgoing) channel number
	remoteChannel *uint16 // peer's outgoing channel number, once known

	rx   chan frames.FrameBody   // frames routed here by Conn.mux
	tx   chan frames.FrameBody   // non-transfer outgoing frames
	txTransfer chan *frames.PerformTransfer // outgoing transfers needing window accounting

	done chan struct{}
	err  error

	state sessionState

	handleMax uint32

	nextOutgoingID uint32
	outgoingWindow uint32
	incomingWindow uint32

	nextIncomingID       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32

	nextDeliveryID uint32 // atomic

	mu            sync.Mutex
	linksByHandle map[uint32]*link
	linksByName   map[string]*link
	handleInUse   map[uint32]bool

	// deliveryIDToHandle maps a delivery-id, sent or received, to the
	// handle of the link it travelled on, for Dispositions that only
	// reference ranges of delivery-ids.
	deliveryIDToHandle map[uint32]uint32

	// incomingAttach carries remote-initiated attaches (no local link
	// registered under that name) to a LinkAcceptor waiting in AcceptLink.
	incomingAttach chan *frames.PerformAttach
}

func newSession(c *Conn, channel uint16, opts *SessionOptions) *Session {
	s := &Session{
		conn:               c,
		channel:             channel,
		rx:                  make(chan frames.FrameBody),
		tx:                  make(chan frames.FrameBody),
		txTransfer:          make(chan *frames.PerformTransfer),
		done:                make(chan struct{}),
		incomingWindow:      defaultWindow,
		outgoingWindow:      defaultWindow,
		handleMax:           4294967295,
		linksByHandle:       make(map[uint32]*link),
		linksByName:         make(map[string]*link),
		handleInUse:         make(map[uint32]bool),
		deliveryIDToHandle:  make(map[uint32]uint32),
		incomingAttach:      make(chan *frames.PerformAttach, 1),
	}
	if opts != nil {
		if opts.IncomingWindow > 0 {
			s.incomingWindow = opts.IncomingWindow
		}
		if opts.OutgoingWindow > 0 {
			s.outgoingWindow = opts.OutgoingWindow
		}
		if opts.MaxLinks > 0 {
			s.handleMax = opts.MaxLinks - 1
		}
	}
	return s
}

// begin sends the Begin performative and waits for the peer's reply.
func (s *Session) begin(ctx context.Context) error {
	begin := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	s.state = sessionBeginSent
	debug.Logf(1, "TX (session): %s", begin)
	if err := s.conn.txFrame(s.channel, begin); err != nil {
		return err
	}

	select {
	case fr := <-s.rx:
		resp, ok := fr.(*frames.PerformBegin)
		if !ok {
			return fmt.Errorf("amqp: session begin: unexpected frame %T", fr)
		}
		rc := s.channel
		s.remoteChannel = &rc
		s.nextIncomingID = resp.NextOutgoingID
		s.remoteOutgoingWindow = resp.OutgoingWindow
		s.remoteIncomingWindow = resp.IncomingWindow
		if resp.HandleMax < s.handleMax {
			s.handleMax = resp.HandleMax
		}
		s.state = sessionMapped
	case <-ctx.Done():
		return ctx.Err()
	case <-s.conn.done:
		return s.conn.err
	}

	go s.mux()
	return nil
}

// beginRemote completes a remote-initiated Begin: the Begin performative
// has already been received by Conn.mux (which created this Session and
// bound remoteChannel), and we reply with our own Begin.
func (s *Session) beginRemote(remoteBegin *frames.PerformBegin) error {
	rc := s.channel
	s.remoteChannel = &rc
	s.nextIncomingID = remoteBegin.NextOutgoingID
	s.remoteOutgoingWindow = remoteBegin.OutgoingWindow
	s.remoteIncomingWindow = remoteBegin.IncomingWindow
	if remoteBegin.HandleMax < s.handleMax {
		s.handleMax = remoteBegin.HandleMax
	}

	reply := &frames.PerformBegin{
		RemoteChannel:  &s.channel,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	s.state = sessionMapped
	if err := s.conn.txFrame(s.channel, reply); err != nil {
		return err
	}
	go s.mux()
	return nil
}

// allocateHandle assigns l a local handle and reserves its link name.
func (s *Session) allocateHandle(l *link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.linksByName[l.key.name]; ok {
		return fmt.Errorf("amqp: link name %q already in use on this session", l.key.name)
	}

	var handle uint32
	for handle = 0; s.handleInUse[handle]; handle++ {
		if uint64(handle) > uint64(s.handleMax) {
			return s.endOnHandleExhausted()
		}
	}
	if uint64(handle) > uint64(s.handleMax) {
		return s.endOnHandleExhausted()
	}

	l.handle = handle
	s.handleInUse[handle] = true
	s.linksByHandle[handle] = l
	s.linksByName[l.key.name] = l
	return nil
}

// endOnHandleExhausted ends the session with amqp:session:handle-in-use
// once its handle space is exhausted. Called from allocateHandle with s.mu
// already held, so it must go straight to the connection writer rather than
// through s.txFrame/s.tx, which only the (possibly same-goroutine) session
// mux drains.
func (s *Session) endOnHandleExhausted() error {
	if s.state != sessionEndSent && s.state != sessionUnmapped {
		s.state = sessionEndSent
		_ = s.conn.txFrame(s.channel, &frames.PerformEnd{
			Error: &encoding.Error{
				Condition:   ErrCondHandleInUse,
				Description: fmt.Sprintf("handle-max %d exceeded", s.handleMax),
			},
		})
	}
	return &SessionError{RemoteErr: &encoding.Error{Condition: ErrCondHandleInUse}}
}

// deallocateHandle releases l's handle and link-name reservation.
func (s *Session) deallocateHandle(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.linksByHandle, l.handle)
	delete(s.linksByName, l.key.name)
	delete(s.handleInUse, l.handle)
}

// txFrame sends fr to the connection writer on this session's channel.
func (s *Session) txFrame(fr frames.FrameBody, _ chan encoding.DeliveryState) error {
	select {
	case s.tx <- fr:
		return nil
	case <-s.done:
		return s.err
	}
}

// mux is the session's event loop: it multiplexes incoming frames from the
// connection, outgoing non-transfer frames and transfers from link muxes,
// serializing all three so next_outgoing_id/remote_incoming_window and the
// delivery-id ledger are updated atomically with respect to every transfer.
func (s *Session) mux() {
	defer s.muxUnmap()

	for {
		select {
		case fr := <-s.rx:
			if err := s.muxHandleFrame(fr); err != nil {
				s.err = err
				return
			}
			if s.state == sessionUnmapped {
				return
			}

		case fr := <-s.tx:
			debug.Logf(3, "TX (session): %s", fr)
			if err := s.conn.txFrame(s.channel, fr); err != nil {
				s.err = err
				return
			}

		case tr := <-s.txTransfer:
			// stalled: wait for a Flow to refresh remote_incoming_window
			// before admitting this transfer, but keep servicing rx/tx.
			for s.remoteIncomingWindow == 0 {
				select {
				case fr := <-s.rx:
					if err := s.muxHandleFrame(fr); err != nil {
						s.err = err
						return
					}
					if s.state == sessionUnmapped {
						return
					}
				case fr := <-s.tx:
					if err := s.conn.txFrame(s.channel, fr); err != nil {
						s.err = err
						return
					}
				case <-s.done:
					return
				case <-s.conn.done:
					s.err = s.conn.err
					return
				}
			}
			if tr.DeliveryID == nil && len(tr.DeliveryTag) > 0 {
				did := atomic.AddUint32(&s.nextDeliveryID, 1) - 1
				tr.DeliveryID = &did
			}
			if tr.DeliveryID != nil {
				s.mu.Lock()
				s.deliveryIDToHandle[*tr.DeliveryID] = tr.Handle
				s.mu.Unlock()
			}
			s.nextOutgoingID++
			s.remoteIncomingWindow--
			debug.Logf(3, "TX (session): %s", tr)
			if err := s.conn.txFrame(s.channel, tr); err != nil {
				s.err = err
				return
			}

		case <-s.done:
			return

		case <-s.conn.done:
			s.err = s.conn.err
			return
		}
	}
}

func (s *Session) muxUnmap() {
	s.mu.Lock()
	links := make([]*link, 0, len(s.linksByHandle))
	for _, l := range s.linksByHandle {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.err = s.err
		select {
		case <-l.detached:
		default:
			close(l.detached)
		}
	}
	close(s.done)
}

func (s *Session) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformAttach:
		return s.muxHandleAttach(fr)
	case *frames.PerformFlow:
		return s.muxHandleFlow(fr)
	case *frames.PerformTransfer:
		return s.muxHandleTransfer(fr)
	case *frames.PerformDisposition:
		return s.muxHandleDisposition(fr)
	case *frames.PerformDetach:
		return s.muxFrameToLink(fr.Handle, fr)
	case *frames.PerformEnd:
		if s.state != sessionEndSent {
			_ = s.conn.txFrame(s.channel, &frames.PerformEnd{})
		}
		s.state = sessionUnmapped
		return nil
	default:
		debug.Logf(1, "RX (session): unexpected frame: %s", fr)
		return nil
	}
}

func (s *Session) muxHandleAttach(fr *frames.PerformAttach) error {
	s.mu.Lock()
	l, ok := s.linksByName[fr.Name]
	s.mu.Unlock()
	if !ok {
		// remote-initiated attach: no local handle waiting for it. Offer it
		// to a LinkAcceptor blocked in Session.AcceptLink; if none is
		// listening, politely detach.
		select {
		case s.incomingAttach <- fr:
		default:
			_ = s.conn.txFrame(s.channel, &frames.PerformDetach{
				Handle: fr.Handle,
				Closed: true,
				Error:  &encoding.Error{Condition: ErrCondNotFound, Description: "no link waiting for this name"},
			})
		}
		return nil
	}
	l.remoteHandle = fr.Handle
	return s.muxFrameToLink(l.handle, fr)
}

func (s *Session) muxHandleFlow(fr *frames.PerformFlow) error {
	s.nextIncomingID = valueOrZero(fr.NextOutgoingID)
	s.remoteOutgoingWindow = fr.OutgoingWindow
	nextIncoming := fr.NextIncomingID
	if nextIncoming == nil {
		initial := s.nextOutgoingID
		nextIncoming = &initial
	}
	s.remoteIncomingWindow = *nextIncoming + fr.IncomingWindow - s.nextOutgoingID

	if fr.Handle == nil {
		return nil
	}
	return s.muxFrameToLink(*fr.Handle, fr)
}

func (s *Session) muxHandleTransfer(fr *frames.PerformTransfer) error {
	s.nextIncomingID++
	s.remoteOutgoingWindow--
	if s.incomingWindow > 0 {
		s.incomingWindow--
	}
	if fr.DeliveryID != nil {
		// record so a later settling Disposition for this delivery (mode
		// Second's sender-side echo) can be routed back to the receiving
		// link the same way muxHandleDisposition already does for our own
		// outgoing transfers.
		s.mu.Lock()
		s.deliveryIDToHandle[*fr.DeliveryID] = fr.Handle
		s.mu.Unlock()
	}
	return s.muxFrameToLink(fr.Handle, fr)
}

func (s *Session) muxHandleDisposition(fr *frames.PerformDisposition) error {
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
	}
	s.mu.Lock()
	handles := make(map[uint32]struct{})
	for id := fr.First; id <= last; id++ {
		if handle, ok := s.deliveryIDToHandle[id]; ok {
			handles[handle] = struct{}{}
			if fr.Settled {
				delete(s.deliveryIDToHandle, id)
			}
		}
	}
	s.mu.Unlock()

	for handle := range handles {
		if err := s.muxFrameToLink(handle, fr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) muxFrameToLink(handle uint32, fr frames.FrameBody) error {
	s.mu.Lock()
	l, ok := s.linksByHandle[handle]
	s.mu.Unlock()
	if !ok {
		debug.Logf(1, "RX (session): frame for unknown handle %d: %s", handle, fr)
		return nil
	}
	select {
	case l.rx <- fr:
	case <-s.done:
	}
	return nil
}

// NewSender opens a new sending link on this session, targeting the given
// address.
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.attach(ctx, s); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver opens a new receiving link on this session, sourcing from the
// given address.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	rcv, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err := rcv.attach(ctx, s); err != nil {
		return nil, err
	}
	return rcv, nil
}

// AcceptLink blocks until the peer attempts to attach a link on this
// session, returning it for a LinkAcceptor to complete.
func (s *Session) AcceptLink(ctx context.Context) (*IncomingLink, error) {
	select {
	case fr := <-s.incomingAttach:
		return &IncomingLink{session: s, attach: fr}, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the session, releasing all of its links.
func (s *Session) Close(ctx context.Context) error {
	if s.state == sessionUnmapped {
		return nil
	}
	s.state = sessionEndSent
	select {
	case s.tx <- &frames.PerformEnd{}:
	case <-s.done:
		return s.err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func valueOrZero(v *uint32) uint32 {
	if v == nil {
		return 0
	}
	return *v
}
