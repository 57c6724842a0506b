package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/wirerail/amqp10/internal/fake"
	"github.com/wirerail/amqp10/internal/frames"
)

type fakeDialer struct {
	resp func(frames.FrameBody) ([]byte, error)
}

func (d fakeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return fake.NewConnection(d.resp), nil
}

func helloResponder(t *testing.T) func(frames.FrameBody) ([]byte, error) {
	return func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

func TestDial(t *testing.T) {
	defer leaktest.Check(t)()

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: helloResponder(t)}, "localhost:5672")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, uint16(4095), c.PeerChannelMax)
	require.NoError(t, c.Close())
}

func TestDialOpenFailure(t *testing.T) {
	defer leaktest.Check(t)()

	resp := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return nil, errors.New("simulated write failure")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.Error(t, err)
	require.Nil(t, c)
}

func TestConnCloseIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: helloResponder(t)}, "localhost:5672")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	// a second Close must not hang or panic.
	require.NoError(t, c.Close())
}

func TestConnIdleTimeoutNegotiated(t *testing.T) {
	defer leaktest.Check(t)()

	resp := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672", ConnIdleTimeout(time.Minute))
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, time.Minute, c.opts.idleTimeout)
}

func TestConnIdleTimeoutFailsOnSilentPeer(t *testing.T) {
	defer leaktest.Check(t)()

	resp := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *fake.KeepAlive:
			// peer goes silent: our own heartbeats go unanswered.
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672", ConnIdleTimeout(40*time.Millisecond))
	require.NoError(t, err)

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not fail on idle timeout")
	}
	require.ErrorIs(t, c.Close(), ErrIdleTimeout)
}

func TestNewSession(t *testing.T) {
	defer leaktest.Check(t)()

	var beganSession bool
	resp := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			beganSession = true
			return fake.PerformBegin(0)
		case *frames.PerformEnd:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.True(t, beganSession)
}
