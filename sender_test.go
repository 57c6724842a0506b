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

func senderTestResponder(t *testing.T, linkName string, mode encoding.SenderSettleMode) func(frames.FrameBody) ([]byte, error) {
	return func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0)
		case *frames.PerformAttach:
			return fake.SenderAttach(linkName, 99, mode)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformTransfer:
			return nil, nil
		case *frames.PerformDisposition:
			return nil, nil
		case *frames.PerformDetach:
			return fake.PerformDetach(tt.Handle, nil)
		case *frames.PerformEnd:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

func TestSenderInvalidSettlementMode(t *testing.T) {
	resp := senderTestResponder(t, "bad-mode", ModeUnsettled)
	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	bad := SenderSettleMode(3)
	snd, err := s.NewSender(context.Background(), "target", &SenderOptions{SettlementMode: &bad})
	require.Error(t, err)
	require.Nil(t, snd)
}

func TestSenderAttachAndClose(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "sender-1"
	resp := senderTestResponder(t, linkName, ModeSettled)

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	snd, err := s.NewSender(context.Background(), "queue/a", &SenderOptions{Name: linkName})
	require.NoError(t, err)
	require.NotNil(t, snd)
	require.Equal(t, "queue/a", snd.Address())
	require.Equal(t, linkName, snd.LinkName())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Close(ctx))
}

func TestSenderSendSettled(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "sender-settled"
	resp := senderTestResponder(t, linkName, ModeSettled)

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	settled := ModeSettled
	snd, err := s.NewSender(context.Background(), "queue/a", &SenderOptions{
		Name:           linkName,
		SettlementMode: &settled,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, NewMessage([]byte("hello"))))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, snd.Close(closeCtx))
}

func TestSenderFlowDrainNoOutstanding(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "sender-drain"
	echoedFlows := make(chan *frames.PerformFlow, 4)

	resp := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0)
		case *frames.PerformAttach:
			attachBytes, err := fake.SenderAttach(linkName, 99, ModeMixed)
			if err != nil {
				return nil, err
			}
			// grant 5 credits, then immediately ask to drain them: since
			// nothing is queued to send, the sender should report back
			// drained (delivery_count advanced, link_credit zeroed)
			// without waiting for anything to complete.
			grantBytes, err := fake.Flow(0, 0, 5, false)
			if err != nil {
				return nil, err
			}
			drainBytes, err := fake.Flow(0, 0, 5, true)
			if err != nil {
				return nil, err
			}
			return append(append(attachBytes, grantBytes...), drainBytes...), nil
		case *frames.PerformFlow:
			echoedFlows <- tt
			return nil, nil
		case *frames.PerformDetach:
			return fake.PerformDetach(tt.Handle, nil)
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

	snd, err := s.NewSender(context.Background(), "queue/a", &SenderOptions{Name: linkName})
	require.NoError(t, err)

	select {
	case fl := <-echoedFlows:
		require.Equal(t, uint32(5), *fl.DeliveryCount)
		require.Equal(t, uint32(0), *fl.LinkCredit)
	case <-time.After(time.Second):
		t.Fatal("expected a drain-completion Flow")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Close(ctx))
}

func TestSenderSendAfterClose(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "sender-closed"
	resp := senderTestResponder(t, linkName, ModeSettled)

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	snd, err := s.NewSender(context.Background(), "queue/a", &SenderOptions{Name: linkName})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Close(ctx))

	err = snd.Send(context.Background(), NewMessage([]byte("too-late")))
	require.ErrorIs(t, err, ErrLinkClosed)
}
