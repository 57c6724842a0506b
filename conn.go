package amqp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/debug"
	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
)

var protoAMQP = [8]byte{'A', 'M', 'Q', 'P', 0x0, 1, 0, 0}
var protoSASL = [8]byte{'A', 'M', 'Q', 'P', 0x3, 1, 0, 0}
var protoTLS = [8]byte{'A', 'M', 'Q', 'P', 0x2, 1, 0, 0}

// ConnOption configures a Conn returned by Dial or Accept.
type ConnOption func(*connOptions)

type connOptions struct {
	containerID  string
	tlsConfig    *tls.Config
	idleTimeout  time.Duration
	maxFrameSize uint32
	channelMax   uint16
	saslNegotiator SASLNegotiator
}

// ConnContainerID sets the container-id this connection offers on Open.
func ConnContainerID(id string) ConnOption {
	return func(o *connOptions) { o.containerID = id }
}

// ConnTLSConfig wraps the dialed connection in TLS using cfg.
func ConnTLSConfig(cfg *tls.Config) ConnOption {
	return func(o *connOptions) { o.tlsConfig = cfg }
}

// ConnIdleTimeout sets the idle-timeout this connection negotiates.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(o *connOptions) { o.idleTimeout = d }
}

// ConnMaxFrameSize sets the maximum frame size this connection accepts.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(o *connOptions) { o.maxFrameSize = n }
}

// ConnChannelMax sets the maximum channel number this connection accepts.
func ConnChannelMax(n uint16) ConnOption {
	return func(o *connOptions) { o.channelMax = n }
}

// ConnDialer abstracts the network dial step so tests can substitute a
// fake transport.
type ConnDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

type connState uint8

const (
	connStart connState = iota
	connHdrExch
	connOpenSent
	connOpened
	connCloseSent
	connEnd
)

// Conn is a single AMQP connection: the outermost protocol tier, owning
// header negotiation, channel multiplexing, the single outbound writer,
// and the idle-timer.
type Conn struct {
	net  net.Conn
	opts connOptions

	containerID      string
	PeerMaxFrameSize uint32
	PeerIdleTimeout  time.Duration
	PeerChannelMax   uint16

	state connState

	rxFrames chan frames.Frame
	txFrames chan txReq

	// lastRx is the UnixNano timestamp of the most recently received frame
	// (heartbeat or otherwise), read/written from both mux and idleTimer.
	lastRx atomic.Int64

	done chan struct{}
	err  error

	mu             sync.Mutex
	sessionsByChan map[uint16]*Session
	nextChannel    uint16
	closeOnce      sync.Once
	closeErr       error

	// incomingSession carries remote-initiated sessions to a
	// SessionAcceptor waiting in AcceptSession.
	incomingSession chan *Session
}

type txReq struct {
	channel uint16
	body    frames.FrameBody
	result  chan error
}

// Dial connects to addr over TCP (optionally wrapped in TLS) and performs
// the AMQP header/Open handshake.
func Dial(ctx context.Context, addr string, opts ...ConnOption) (*Conn, error) {
	return DialWithDialer(ctx, netDialer{}, addr, opts...)
}

// DialWithDialer is Dial using a caller-supplied ConnDialer, letting tests
// substitute an in-memory transport.
func DialWithDialer(ctx context.Context, dialer ConnDialer, addr string, opts ...ConnOption) (*Conn, error) {
	var o connOptions
	for _, opt := range opts {
		opt(&o)
	}

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "amqp: dial failed")
	}
	if o.tlsConfig != nil {
		nc = tls.Client(nc, o.tlsConfig)
	}

	c := newConn(nc, o)
	if err := c.start(ctx, true); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept performs the listener-side AMQP handshake over an already-accepted
// net.Conn.
func Accept(ctx context.Context, nc net.Conn, opts ...ConnOption) (*Conn, error) {
	var o connOptions
	for _, opt := range opts {
		opt(&o)
	}
	c := newConn(nc, o)
	if err := c.start(ctx, false); err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(nc net.Conn, o connOptions) *Conn {
	if o.maxFrameSize == 0 {
		o.maxFrameSize = 65536
	}
	if o.channelMax == 0 {
		o.channelMax = 4095
	}
	if o.containerID == "" {
		o.containerID = fmt.Sprintf("amqp10-%p", nc)
	}
	return &Conn{
		net:              nc,
		opts:             o,
		containerID:      o.containerID,
		PeerMaxFrameSize: 65536,
		txFrames:         make(chan txReq),
		done:             make(chan struct{}),
		sessionsByChan:   make(map[uint16]*Session),
		incomingSession:  make(chan *Session, 1),
	}
}

func (c *Conn) start(ctx context.Context, client bool) error {
	if client && c.opts.saslNegotiator != nil {
		if err := c.negotiateSASL(&c.opts); err != nil {
			return err
		}
	}

	hdr := protoAMQP
	if _, err := c.net.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "amqp: writing protocol header")
	}
	c.state = connHdrExch

	var peer [8]byte
	if _, err := io.ReadFull(c.net, peer[:]); err != nil {
		return errors.Wrap(err, "amqp: reading protocol header")
	}
	if peer != protoAMQP {
		return fmt.Errorf("amqp: unsupported protocol header %x", peer)
	}

	go c.writer()
	go c.reader()

	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		MaxFrameSize: c.opts.maxFrameSize,
		ChannelMax:   c.opts.channelMax,
	}
	if c.opts.idleTimeout > 0 {
		open.IdleTimeout = encoding.Milliseconds(c.opts.idleTimeout)
	}
	c.state = connOpenSent
	debug.Logf(1, "TX (conn): %s", open)
	if err := c.txFrame(0, open); err != nil {
		return err
	}

	fr, err := c.readFrameUntilOpened(ctx)
	if err != nil {
		return err
	}
	resp, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		return fmt.Errorf("amqp: expected Open, got %T", fr.Body)
	}
	debug.Logf(1, "RX (conn): %s", resp)
	if resp.MaxFrameSize > 0 {
		c.PeerMaxFrameSize = resp.MaxFrameSize
	}
	c.PeerChannelMax = resp.ChannelMax
	c.PeerIdleTimeout = time.Duration(resp.IdleTimeout)
	c.state = connOpened
	c.lastRx.Store(time.Now().UnixNano())

	go c.mux()
	if c.opts.idleTimeout > 0 {
		go c.idleTimer()
	}

	return nil
}

// readFrameUntilOpened blocks the caller's handshake goroutine on the very
// first AMQP frame forwarded by reader, since Conn.mux isn't running yet.
func (c *Conn) readFrameUntilOpened(ctx context.Context) (frames.Frame, error) {
	select {
	case fr := <-c.framesCh():
		return fr, nil
	case <-c.done:
		return frames.Frame{}, c.err
	case <-ctx.Done():
		return frames.Frame{}, ctx.Err()
	}
}

func (c *Conn) readOneFrame() (frames.Frame, error) {
	var hdr [frames.HeaderSize]byte
	if _, err := io.ReadFull(c.net, hdr[:]); err != nil {
		return frames.Frame{}, err
	}
	h, err := frames.ParseHeader(hdr[:])
	if err != nil {
		return frames.Frame{}, err
	}
	rest := make([]byte, h.Size-frames.HeaderSize)
	if len(rest) > 0 {
		if _, err := io.ReadFull(c.net, rest); err != nil {
			return frames.Frame{}, err
		}
	}
	if len(rest) == 0 {
		// heartbeat
		return frames.Frame{Type: h.FrameType, Channel: h.Channel, Body: nil}, nil
	}
	buf := buffer.New(rest)
	body, err := frames.ParseBody(buf)
	if err != nil {
		return frames.Frame{}, err
	}
	return frames.Frame{Type: h.FrameType, Channel: h.Channel, Body: body}, nil
}

// writer owns the single outbound stream; it's the only goroutine that
// calls c.net.Write.
func (c *Conn) writer() {
	w := bufio.NewWriter(c.net)
	for {
		select {
		case req := <-c.txFrames:
			err := c.writeFrame(w, req.channel, req.body)
			if err == nil {
				err = w.Flush()
			}
			if req.result != nil {
				req.result <- err
			}
			if err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeFrame(w *bufio.Writer, channel uint16, body frames.FrameBody) error {
	var bodyBuf buffer.Buffer
	if body != nil {
		if err := body.Marshal(&bodyBuf); err != nil {
			return err
		}
	}
	h := frames.Header{
		Size:       uint32(frames.HeaderSize + bodyBuf.Len()),
		DataOffset: 2,
		FrameType:  frames.TypeAMQP,
		Channel:    channel,
	}
	var hdrBuf buffer.Buffer
	h.Marshal(&hdrBuf)
	if _, err := w.Write(hdrBuf.Bytes()); err != nil {
		return err
	}
	if bodyBuf.Len() > 0 {
		if _, err := w.Write(bodyBuf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// txFrame enqueues body for transmission on channel and waits for the
// writer to flush it.
func (c *Conn) txFrame(channel uint16, body frames.FrameBody) error {
	result := make(chan error, 1)
	select {
	case c.txFrames <- txReq{channel, body, result}:
	case <-c.done:
		return c.err
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return c.err
	}
}

// reader continuously parses frames off the wire and forwards them to mux.
func (c *Conn) reader() {
	framesCh := c.framesCh()
	for {
		fr, err := c.readOneFrame()
		if err != nil {
			c.fail(errors.Wrap(err, "amqp: reading frame"))
			return
		}
		select {
		case framesCh <- fr:
		case <-c.done:
			return
		}
	}
}

// framesCh lazily creates the reader->mux channel; split out so mux (which
// is started after the handshake) and reader (started during the
// handshake) can agree on the same channel without a race.
func (c *Conn) framesCh() chan frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rxFrames == nil {
		c.rxFrames = make(chan frames.Frame, 16)
	}
	return c.rxFrames
}

// mux demultiplexes incoming AMQP frames by channel per spec §4.2.
func (c *Conn) mux() {
	defer c.shutdown()
	framesCh := c.framesCh()
	for {
		select {
		case fr := <-framesCh:
			c.lastRx.Store(time.Now().UnixNano())
			if fr.Body == nil {
				continue // heartbeat; only resets the idle timer
			}
			if err := c.routeFrame(fr); err != nil {
				c.err = err
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) routeFrame(fr frames.Frame) error {
	switch body := fr.Body.(type) {
	case *frames.PerformClose:
		debug.Logf(1, "RX (conn): %s", body)
		if c.state != connCloseSent {
			_ = c.txFrame(0, &frames.PerformClose{})
		}
		if body.Error != nil {
			c.err = body.Error
		}
		return errConnDone
	}

	c.mu.Lock()
	sess, ok := c.sessionsByChan[fr.Channel]
	c.mu.Unlock()

	if !ok {
		begin, isBegin := fr.Body.(*frames.PerformBegin)
		if !isBegin {
			debug.Logf(1, "RX (conn): frame on unknown channel %d: %s", fr.Channel, fr.Body)
			return nil
		}
		s := newSession(c, fr.Channel, nil)
		c.mu.Lock()
		c.sessionsByChan[fr.Channel] = s
		c.mu.Unlock()
		if err := s.beginRemote(begin); err != nil {
			return err
		}
		select {
		case c.incomingSession <- s:
		default:
			// no SessionAcceptor waiting; the session stays mapped and
			// reachable through sessionsByChan, it's simply never handed
			// to AcceptSession.
		}
		return nil
	}

	select {
	case sess.rx <- fr.Body:
	case <-sess.done:
	}
	if _, isEnd := fr.Body.(*frames.PerformEnd); isEnd {
		c.mu.Lock()
		delete(c.sessionsByChan, fr.Channel)
		c.mu.Unlock()
	}
	return nil
}

var errConnDone = errors.New("amqp: connection closed")

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.shutdown()
}

// shutdown closes done and the underlying net.Conn exactly once, recording
// the result for every Close caller to observe.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		netErr := c.net.Close()
		if c.err == nil || c.err == errConnDone {
			c.closeErr = netErr
		} else {
			c.closeErr = c.err
		}
	})
}

// idleTimer sends heartbeats at half the negotiated idle-timeout and fails
// the connection if no frame (including a peer heartbeat) has been received
// for the full negotiated interval, per spec.md §4.1/§7.
func (c *Conn) idleTimer() {
	sendEvery := c.opts.idleTimeout / 2
	t := time.NewTicker(sendEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = c.txFrame(0, nil)
			last := time.Unix(0, c.lastRx.Load())
			if time.Since(last) > c.opts.idleTimeout {
				c.fail(ErrIdleTimeout)
				return
			}
		case <-c.done:
			return
		}
	}
}

// NewSession begins a new session on this connection and returns a handle
// once the peer's Begin has been received.
func (c *Conn) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	c.mu.Lock()
	channel := c.nextChannel
	c.nextChannel++
	s := newSession(c, channel, opts)
	c.sessionsByChan[channel] = s
	c.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		c.mu.Lock()
		delete(c.sessionsByChan, channel)
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// AcceptSession blocks until the peer begins a session on this connection,
// returning it already mapped and ready for a LinkAcceptor.
func (c *Conn) AcceptSession(ctx context.Context) (*Session, error) {
	select {
	case s := <-c.incomingSession:
		return s, nil
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends Close and waits for the connection to fully tear down.
func (c *Conn) Close() error {
	c.state = connCloseSent
	_ = c.txFrame(0, &frames.PerformClose{})
	c.shutdown()
	<-c.done
	return c.closeErr
}
