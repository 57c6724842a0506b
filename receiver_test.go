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

func receiverTestResponder(linkName string, mode encoding.ReceiverSettleMode, transfer []byte) func(frames.FrameBody) ([]byte, error) {
	var sentTransfer bool
	return func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0)
		case *frames.PerformAttach:
			return fake.ReceiverAttach(linkName, 42, mode)
		case *frames.PerformFlow:
			if transfer != nil && !sentTransfer {
				sentTransfer = true
				return transfer, nil
			}
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

func TestReceiverAttachAndClose(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "receiver-1"
	resp := receiverTestResponder(linkName, ModeFirst, nil)

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	rcv, err := s.NewReceiver(context.Background(), "queue/a", &ReceiverOptions{Name: linkName})
	require.NoError(t, err)
	require.Equal(t, "queue/a", rcv.Address())
	require.Equal(t, linkName, rcv.LinkName())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rcv.Close(ctx))
}

func TestReceiverReceiveAndAccept(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "receiver-2"
	transfer, err := fake.PerformTransfer(0, 1, []byte("payload"))
	require.NoError(t, err)

	resp := receiverTestResponder(linkName, ModeFirst, transfer)

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	rcv, err := s.NewReceiver(context.Background(), "queue/a", &ReceiverOptions{Name: linkName})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), msg.GetData())

	require.NoError(t, rcv.AcceptMessage(ctx, msg))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, rcv.Close(closeCtx))
}

func TestReceiverSecondModeSettlement(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "receiver-second"
	transfer, err := fake.PerformTransfer(0, 1, []byte("payload"))
	require.NoError(t, err)

	var sentTransfer bool
	echoed := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0)
		case *frames.PerformAttach:
			return fake.ReceiverAttach(linkName, 42, ModeSecond)
		case *frames.PerformFlow:
			if !sentTransfer {
				sentTransfer = true
				return transfer, nil
			}
			return nil, nil
		case *frames.PerformDisposition:
			if tt.Settled {
				return nil, nil
			}
			// echo back the sender's own settlement, completing the
			// two-phase exchange before we consider the delivery settled.
			return fake.PerformDisposition(tt.First, tt.State)
		case *frames.PerformDetach:
			return fake.PerformDetach(tt.Handle, nil)
		case *frames.PerformEnd:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: echoed}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	second := ModeSecond
	rcv, err := s.NewReceiver(context.Background(), "queue/a", &ReceiverOptions{
		Name:           linkName,
		SettlementMode: &second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), msg.GetData())

	// AcceptMessage blocks on the peer's settling Disposition before
	// returning, per the mode Second two-phase exchange.
	require.NoError(t, rcv.AcceptMessage(ctx, msg))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, rcv.Close(closeCtx))
}

func TestReceiverManualCreditRequiresOption(t *testing.T) {
	const linkName = "receiver-manual"
	resp := receiverTestResponder(linkName, ModeFirst, nil)

	c, err := DialWithDialer(context.Background(), fakeDialer{resp: resp}, "localhost:5672")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	rcv, err := s.NewReceiver(context.Background(), "queue/a", &ReceiverOptions{Name: linkName})
	require.NoError(t, err)

	require.Error(t, rcv.IssueCredit(10))
	require.Error(t, rcv.Drain(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rcv.Close(ctx))
}
