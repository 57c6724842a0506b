// Package fake provides an in-memory net.Conn double driven by a
// frame-level responder callback, so Connection/Session/Link tests run
// without a real TCP listener.
package fake

import (
	"errors"
	"math"
	"net"
	"time"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
)

// NewConnection creates a new instance of Connection. Responder is invoked
// by Write when a frame is received. Return a nil slice/nil error to
// swallow the frame. Return a non-nil error to simulate a write error.
func NewConnection(resp func(frames.FrameBody) ([]byte, error)) *Connection {
	return &Connection{
		resp: resp,
		// during shutdown, conn.reader can close before conn.writer as they
		// both return on done being closed, so there is some non-determinism
		// here: writes can still happen but there's no reader left to
		// consume them. a buffered channel keeps those writes from blocking
		// shutdown; the size was picked arbitrarily.
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

// Connection is a fake connection that satisfies the net.Conn interface.
type Connection struct {
	resp      func(frames.FrameBody) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool

	// pending holds bytes from a readData message not yet consumed by the
	// caller's undersized buffer (Conn.reader reads an 8-byte header, then
	// the body, as two separate Read calls against one pushed message).
	pending []byte
}

///////////////////////////////////////////////////////
// following methods are for the net.Conn interface
///////////////////////////////////////////////////////

// NOTE: Read, Write, and Close are all called by separate goroutines!

// Read is invoked by Conn.reader to receive frame data. It blocks until
// Write or Close are called, or the read deadline (if one was set)
// expires, which returns an error.
func (c *Connection) Read(b []byte) (n int, err error) {
	select {
	case <-c.readClose:
		return 0, errors.New("fake connection was closed")
	default:
	}

	if len(c.pending) == 0 {
		var deadline <-chan time.Time
		if c.readDL != nil {
			deadline = c.readDL.C
		}
		select {
		case <-c.readClose:
			return 0, errors.New("fake connection was closed")
		case <-deadline:
			return 0, errors.New("fake connection read deadline exceeded")
		case rd := <-c.readData:
			c.pending = rd
		}
	}

	n = copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write is invoked by Conn.writer when we're being sent frame data. Every
// call to Write invokes the responder callback, which must reply with one
// of three possibilities:
//  1. an encoded frame and nil error
//  2. a non-nil error to simulate a write failure
//  3. a nil slice and nil error indicating the frame should be ignored
func (c *Connection) Write(b []byte) (n int, err error) {
	select {
	case <-c.readClose:
		return 0, errors.New("fake connection was closed")
	default:
	}

	frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := c.resp(frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		c.readData <- resp
	}
	return len(b), nil
}

// Close is called by Conn.Close when Conn.mux unwinds.
func (c *Connection) Close() error {
	if c.closed {
		return errors.New("double close")
	}
	c.closed = true
	close(c.readClose)
	return nil
}

func (c *Connection) LocalAddr() net.Addr {
	return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)}
}

func (c *Connection) RemoteAddr() net.Addr {
	return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)}
}

func (c *Connection) SetDeadline(t time.Time) error {
	return errors.New("not used")
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	// Conn never sets a read deadline; stop the last timer if set
	if c.readDL != nil && !c.readDL.Stop() {
		<-c.readDL.C
	}
	c.readDL = time.NewTimer(time.Until(t))
	return nil
}

func (c *Connection) SetWriteDeadline(t time.Time) error {
	// Conn never sets a write deadline; ignored
	return nil
}

///////////////////////////////////////////////////////
///////////////////////////////////////////////////////

// ProtoID indicates the type of protocol (mirrors conn.go's protoHeader).
type ProtoID uint8

const (
	ProtoAMQP ProtoID = 0x0
	ProtoTLS  ProtoID = 0x2
	ProtoSASL ProtoID = 0x3
)

// ProtoHeader returns the initial handshake frame. This, and PerformOpen,
// are needed when responding to amqp.Dial.
func ProtoHeader(id ProtoID) ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0}, nil
}

// PerformOpen appends a PerformOpen frame with the specified container ID.
func PerformOpen(containerID string) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformOpen{ContainerID: containerID})
}

// PerformBegin appends a PerformBegin frame with the specified remote
// channel ID. Needed before calling Conn.NewSession.
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// ReceiverAttach appends a PerformAttach frame with the specified values.
// Needed before calling Session.NewReceiver.
func ReceiverAttach(linkName string, linkHandle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &frames.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpiryPolicySessionEnd,
		},
		ReceiverSettleMode: &mode,
		MaxMessageSize:     math.MaxUint32,
	})
}

// SenderAttach appends a PerformAttach frame with the specified values.
// Needed before calling Session.NewSender.
func SenderAttach(linkName string, linkHandle uint32, mode encoding.SenderSettleMode) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
		Target: &frames.Target{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpiryPolicySessionEnd,
		},
		SenderSettleMode: &mode,
		MaxMessageSize:   math.MaxUint32,
	})
}

// SASLMechanisms appends a SASLMechanisms frame offering the given
// mechanism names.
func SASLMechanisms(mechs ...encoding.Symbol) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.SASLMechanisms{Mechanisms: mechs})
}

// SASLOutcome appends a SASLOutcome frame with the given result code.
func SASLOutcome(code frames.SASLCode) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.SASLOutcome{Code: code})
}

// CoordinatorAttach appends a PerformAttach frame replying to a
// transaction-controller attach, echoing back a Coordinator target. Needed
// before calling Session.NewTransactionController.
func CoordinatorAttach(linkHandle uint32) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformAttach{
		Name:   "coordinator",
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
		Target: &frames.Coordinator{},
	})
}

// Flow appends a PerformFlow frame addressed to the given (local) handle,
// reporting deliveryCount and granting linkCredit, optionally requesting
// drain.
func Flow(handle uint32, deliveryCount uint32, linkCredit uint32, drain bool) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformFlow{
		Handle:        &handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
		Drain:         drain,
	})
}

// PerformDetach appends a closing PerformDetach frame for the given handle.
func PerformDetach(handle uint32, err *encoding.Error) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformDetach{
		Handle: handle,
		Closed: true,
		Error:  err,
	})
}

// PerformTransfer appends a PerformTransfer frame with the specified
// values. linkHandle MUST match the handle passed to ReceiverAttach.
func PerformTransfer(linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	payloadBuf := buffer.New(nil)
	encoding.WriteDescriptor(payloadBuf, encoding.TypeCodeApplicationData)
	if err := encoding.WriteBinary(payloadBuf, payload); err != nil {
		return nil, err
	}
	return encodeFrame(frameAMQP, &frames.PerformTransfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       payloadBuf.Detach(),
	})
}

// PerformDisposition appends a PerformDisposition frame with the specified
// values. deliveryID MUST match the one passed to PerformTransfer.
func PerformDisposition(deliveryID uint32, state encoding.DeliveryState) ([]byte, error) {
	return encodeFrame(frameAMQP, &frames.PerformDisposition{
		Role:    encoding.RoleSender,
		First:   deliveryID,
		Settled: true,
		State:   state,
	})
}

// AMQPProto is the frame type passed to the responder for the initial
// protocol header handshake.
type AMQPProto struct {
	frames.FrameBody
}

// KeepAlive is the frame type passed to the responder for heartbeat frames.
type KeepAlive struct {
	frames.FrameBody
}

type frameType uint8

const (
	frameAMQP frameType = 0x0
)

func encodeFrame(t frameType, f frames.FrameBody) ([]byte, error) {
	bodyBuf := buffer.New(nil)
	if err := encoding.Marshal(bodyBuf, f); err != nil {
		return nil, err
	}
	header := frames.Header{
		Size:       uint32(bodyBuf.Len()) + frames.HeaderSize,
		DataOffset: 2,
		FrameType:  frames.Type(t),
	}
	headerBuf := buffer.New(nil)
	header.Marshal(headerBuf)
	raw := headerBuf.Detach()
	raw = append(raw, bodyBuf.Detach()...)
	return raw, nil
}

func decodeFrame(b []byte) (frames.FrameBody, error) {
	if len(b) > 3 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		return &AMQPProto{}, nil
	}
	header, err := frames.ParseHeader(b)
	if err != nil {
		return nil, err
	}
	bodySize := int64(header.Size - frames.HeaderSize)
	if bodySize == 0 {
		return &KeepAlive{}, nil
	}
	buf := buffer.New(b[frames.HeaderSize:])
	body, ok := buf.Next(bodySize)
	if !ok {
		return nil, errors.New("fake: short frame body")
	}
	return frames.ParseBody(buffer.New(body))
}
