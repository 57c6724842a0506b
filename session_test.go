package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/wirerail/amqp10/internal/encoding"
	"github.com/wirerail/amqp10/internal/fake"
	"github.com/wirerail/amqp10/internal/frames"
)

func TestSessionOptionsApplied(t *testing.T) {
	s := newSession(nil, 0, &SessionOptions{
		IncomingWindow: 1234,
		OutgoingWindow: 5678,
		MaxLinks:       10,
	})
	require.Equal(t, uint32(1234), s.incomingWindow)
	require.Equal(t, uint32(5678), s.outgoingWindow)
	require.Equal(t, uint32(9), s.handleMax)
}

func TestSessionOptionsDefault(t *testing.T) {
	s := newSession(nil, 0, nil)
	require.Equal(t, uint32(defaultWindow), s.incomingWindow)
	require.Equal(t, uint32(defaultWindow), s.outgoingWindow)
}

// dialSession dials a fake connection and begins one session, handling the
// handshake + Begin round trip via resp.
func dialSession(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) (*Conn, *Session) {
	t.Helper()
	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)
	return c, s
}

func TestSessionAcceptLinkAsReceiver(t *testing.T) {
	defer leaktest.Check(t)()

	resp := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			beginBytes, err := fake.PerformBegin(0)
			if err != nil {
				return nil, err
			}
			attachBytes, err := fake.ReceiverAttach("peer-sender", 7, encoding.ReceiverSettleModeFirst)
			if err != nil {
				return nil, err
			}
			return append(beginBytes, attachBytes...), nil
		case *frames.PerformAttach:
			return nil, nil
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformDetach:
			return fake.PerformDetach(0, nil)
		case *frames.PerformEnd:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, s := dialSession(t, resp)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	incoming, err := s.AcceptLink(ctx)
	require.NoError(t, err)
	require.Equal(t, encoding.RoleSender, incoming.RemoteRole())
	require.Equal(t, "test", incoming.SourceAddress())

	rcv, err := incoming.AcceptAsReceiver(nil)
	require.NoError(t, err)
	require.NotNil(t, rcv)
	require.Equal(t, "peer-sender", rcv.LinkName())

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, rcv.Close(closeCtx))
}

func TestSessionAcceptLinkWrongRoleRejected(t *testing.T) {
	defer leaktest.Check(t)()

	resp := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			beginBytes, err := fake.PerformBegin(0)
			if err != nil {
				return nil, err
			}
			attachBytes, err := fake.ReceiverAttach("peer-sender", 7, encoding.ReceiverSettleModeFirst)
			if err != nil {
				return nil, err
			}
			return append(beginBytes, attachBytes...), nil
		case *frames.PerformDetach:
			return nil, nil
		case *frames.PerformEnd:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, s := dialSession(t, resp)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	incoming, err := s.AcceptLink(ctx)
	require.NoError(t, err)

	// peer attached as Sender; accepting as Sender must fail.
	snd, err := incoming.AcceptAsSender()
	require.Error(t, err)
	require.Nil(t, snd)

	require.NoError(t, incoming.Reject(&Error{Condition: ErrCondNotImplemented}))
}

func TestSessionCloseUnmappedIsNoop(t *testing.T) {
	s := newSession(nil, 0, nil)
	require.NoError(t, s.Close(context.Background()))
}

func TestSessionHandleExhaustionEndsSession(t *testing.T) {
	defer leaktest.Check(t)()

	endFrames := make(chan *frames.PerformEnd, 1)
	resp := func(req frames.FrameBody) ([]byte, error) {
		switch req := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0)
		case *frames.PerformEnd:
			endFrames <- req
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, s := dialSession(t, resp)
	defer c.Close()

	// handleMax = MaxLinks-1 = 0, so only a single handle is available.
	s.handleMax = 0

	l1 := &link{key: linkKey{name: "l1"}}
	require.NoError(t, s.allocateHandle(l1))

	l2 := &link{key: linkKey{name: "l2"}}
	err := s.allocateHandle(l2)
	require.Error(t, err)
	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
	require.Equal(t, ErrCondHandleInUse, sessErr.RemoteErr.Condition)

	select {
	case end := <-endFrames:
		require.NotNil(t, end.Error)
		require.Equal(t, ErrCondHandleInUse, end.Error.Condition)
	case <-time.After(time.Second):
		t.Fatal("expected session End carrying handle-in-use condition")
	}
}
