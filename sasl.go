package amqp

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/debug"
	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/frames"
)

// SASLNegotiator drives the client side of a single SASL mechanism exchange
// (Init, and any Challenge/Response round-trips the mechanism needs).
type SASLNegotiator interface {
	// Mechanism is the SASL mechanism name this negotiator offers, e.g. "PLAIN".
	Mechanism() encoding.Symbol
	// Init returns the initial-response bytes sent with SASLInit.
	Init() []byte
	// Challenge computes a response to a server challenge. Mechanisms with
	// no challenge round-trip (PLAIN, ANONYMOUS, EXTERNAL) never have this
	// called.
	Challenge(challenge []byte) ([]byte, error)
}

type saslPlain struct {
	authzID, username, password string
}

// ConnSASLPlain configures SASL PLAIN authentication with the given
// username and password, per RFC 4616.
func ConnSASLPlain(username, password string) ConnOption {
	return func(o *connOptions) {
		o.saslNegotiator = &saslPlain{username: username, password: password}
	}
}

func (p *saslPlain) Mechanism() encoding.Symbol { return "PLAIN" }
func (p *saslPlain) Init() []byte {
	b := make([]byte, 0, len(p.authzID)+len(p.username)+len(p.password)+2)
	b = append(b, p.authzID...)
	b = append(b, 0)
	b = append(b, p.username...)
	b = append(b, 0)
	b = append(b, p.password...)
	return b
}
func (p *saslPlain) Challenge([]byte) ([]byte, error) {
	return nil, errors.New("amqp: SASL PLAIN does not support challenges")
}

type saslAnonymous struct{}

// ConnSASLAnonymous configures SASL ANONYMOUS authentication.
func ConnSASLAnonymous() ConnOption {
	return func(o *connOptions) { o.saslNegotiator = &saslAnonymous{} }
}

func (saslAnonymous) Mechanism() encoding.Symbol          { return "ANONYMOUS" }
func (saslAnonymous) Init() []byte                        { return nil }
func (saslAnonymous) Challenge([]byte) ([]byte, error) {
	return nil, errors.New("amqp: SASL ANONYMOUS does not support challenges")
}

type saslExternal struct{}

// ConnSASLExternal configures SASL EXTERNAL authentication, deferring
// identity to the transport (e.g. a client TLS certificate via
// ConnTLSConfig).
func ConnSASLExternal() ConnOption {
	return func(o *connOptions) { o.saslNegotiator = &saslExternal{} }
}

func (saslExternal) Mechanism() encoding.Symbol { return "EXTERNAL" }
func (saslExternal) Init() []byte               { return nil }
func (saslExternal) Challenge([]byte) ([]byte, error) {
	return nil, errors.New("amqp: SASL EXTERNAL does not support challenges")
}

// negotiateSASL performs the SASL header/frame exchange ahead of the AMQP
// header exchange: it writes the SASL protocol header, reads the server's
// Mechanisms, replies with Init (choosing o.saslNegotiator's mechanism if
// the server offers it), and loops on Challenge/Response until Outcome.
func (c *Conn) negotiateSASL(o *connOptions) error {
	if _, err := c.net.Write(protoSASL[:]); err != nil {
		return errors.Wrap(err, "amqp: writing SASL protocol header")
	}
	var peer [8]byte
	if _, err := io.ReadFull(c.net, peer[:]); err != nil {
		return errors.Wrap(err, "amqp: reading SASL protocol header")
	}
	if peer != protoSASL {
		return fmt.Errorf("amqp: unsupported SASL protocol header %x", peer)
	}

	fr, err := c.readOneFrame()
	if err != nil {
		return errors.Wrap(err, "amqp: reading SASL mechanisms")
	}
	mechs, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		return fmt.Errorf("amqp: expected SASLMechanisms, got %T", fr.Body)
	}
	debug.Logf(1, "RX (conn): %s", mechs)

	want := o.saslNegotiator.Mechanism()
	var offered bool
	for _, m := range mechs.Mechanisms {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		return fmt.Errorf("amqp: server does not offer SASL mechanism %s", want)
	}

	init := &frames.SASLInit{Mechanism: want, InitialResponse: o.saslNegotiator.Init()}
	debug.Logf(1, "TX (conn): %s", init)
	if err := c.saslWriteFrame(init); err != nil {
		return err
	}

	for {
		fr, err := c.readOneFrame()
		if err != nil {
			return errors.Wrap(err, "amqp: reading SASL frame")
		}
		switch body := fr.Body.(type) {
		case *frames.SASLChallenge:
			resp, err := o.saslNegotiator.Challenge(body.Challenge)
			if err != nil {
				return err
			}
			if err := c.saslWriteFrame(&frames.SASLResponse{Response: resp}); err != nil {
				return err
			}
		case *frames.SASLOutcome:
			debug.Logf(1, "RX (conn): %s", body)
			if body.Code != frames.SASLCodeOK {
				return fmt.Errorf("amqp: SASL authentication failed: code %d: %s", body.Code, body.AdditionalData)
			}
			return nil
		default:
			return fmt.Errorf("amqp: unexpected frame during SASL negotiation: %T", fr.Body)
		}
	}
}

// saslWriteFrame writes a SASL frame directly; called before the writer
// goroutine is started, so it bypasses the txFrame/writer machinery used
// once the connection is opened. Header and body are written in a single
// call, matching writeFrame's one-flush-per-frame discipline.
func (c *Conn) saslWriteFrame(body frames.FrameBody) error {
	var bodyBuf buffer.Buffer
	if err := body.Marshal(&bodyBuf); err != nil {
		return err
	}
	h := frames.Header{
		Size:       uint32(frames.HeaderSize + bodyBuf.Len()),
		DataOffset: 2,
		FrameType:  frames.TypeSASL,
		Channel:    0,
	}
	var hdrBuf buffer.Buffer
	h.Marshal(&hdrBuf)
	if bodyBuf.Len() > 0 {
		_, _ = hdrBuf.Write(bodyBuf.Bytes())
	}
	if _, err := c.net.Write(hdrBuf.Bytes()); err != nil {
		return err
	}
	return nil
}
