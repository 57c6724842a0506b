package amqp

import (
	"context"
	"fmt"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/fake"
	"github.com/wirerail/amqp10/internal/frames"
)

// saslResponder drives the SASL header/mechanisms/outcome exchange ahead of
// the regular AMQP header exchange. Both writes decode to *fake.AMQPProto
// (decodeFrame only looks at the "AMQP" magic, not the proto-id byte), so a
// call counter is needed to tell the SASL header apart from the one that
// follows it.
func saslResponder(t *testing.T, mech encoding.Symbol, outcome frames.SASLCode) func(frames.FrameBody) ([]byte, error) {
	t.Helper()
	var protoCalls int
	return func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			protoCalls++
			if protoCalls == 1 {
				hdr, err := fake.ProtoHeader(fake.ProtoSASL)
				if err != nil {
					return nil, err
				}
				mechs, err := fake.SASLMechanisms(mech)
				if err != nil {
					return nil, err
				}
				return append(hdr, mechs...), nil
			}
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.SASLInit:
			require.Equal(t, mech, tt.Mechanism)
			return fake.SASLOutcome(outcome)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

func TestConnSASLPlainNegotiation(t *testing.T) {
	defer leaktest.Check(t)()

	resp := saslResponder(t, "PLAIN", frames.SASLCodeOK)
	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672",
		ConnSASLPlain("user", "pass"))
	require.NoError(t, err)
	defer c.Close()
}

func TestConnSASLAnonymousNegotiation(t *testing.T) {
	defer leaktest.Check(t)()

	resp := saslResponder(t, "ANONYMOUS", frames.SASLCodeOK)
	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672",
		ConnSASLAnonymous())
	require.NoError(t, err)
	defer c.Close()
}

func TestConnSASLOutcomeFailureReturnsError(t *testing.T) {
	resp := saslResponder(t, "PLAIN", frames.SASLCodeAuth)
	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672",
		ConnSASLPlain("user", "wrong"))
	require.Error(t, err)
	require.Nil(t, c)
}

func TestConnSASLMechanismNotOffered(t *testing.T) {
	resp := saslResponder(t, "ANONYMOUS", frames.SASLCodeOK)
	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672",
		ConnSASLPlain("user", "pass"))
	require.Error(t, err)
	require.Nil(t, c)
}

func TestSASLPlainInitEncoding(t *testing.T) {
	p := &saslPlain{username: "user", password: "pass"}
	require.Equal(t, []byte("\x00user\x00pass"), p.Init())
	require.Equal(t, encoding.Symbol("PLAIN"), p.Mechanism())

	resp, err := p.Challenge([]byte("unexpected"))
	require.Error(t, err)
	require.Nil(t, resp)
}

func TestSASLAnonymousAndExternal(t *testing.T) {
	var anon saslAnonymous
	require.Equal(t, encoding.Symbol("ANONYMOUS"), anon.Mechanism())
	require.Nil(t, anon.Init())

	var ext saslExternal
	require.Equal(t, encoding.Symbol("EXTERNAL"), ext.Mechanism())
	require.Nil(t, ext.Init())
}
