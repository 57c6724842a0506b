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

func dialTransactionController(t *testing.T, onTransfer func(*frames.PerformTransfer) ([]byte, error)) (*Conn, *Session, *TransactionController) {
	t.Helper()

	resp := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("test-container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0)
		case *frames.PerformAttach:
			return fake.CoordinatorAttach(55)
		case *frames.PerformFlow:
			return nil, nil
		case *frames.PerformTransfer:
			return onTransfer(tt)
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
	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)
	tc, err := s.NewTransactionController(context.Background(), "amqp:local-transactions")
	require.NoError(t, err)
	return c, s, tc
}

func TestTransactionControllerDeclareAndDischarge(t *testing.T) {
	defer leaktest.Check(t)()

	wantTxnID := []byte("txn-1")
	onTransfer := func(fr *frames.PerformTransfer) ([]byte, error) {
		// dispatch on the body: a Declare round trip replies Declared,
		// a Discharge round trip replies Accepted.
		if isDeclare(fr.Payload) {
			return fake.PerformDisposition(*fr.DeliveryID, &encoding.StateDeclared{TransactionID: wantTxnID})
		}
		return fake.PerformDisposition(*fr.DeliveryID, &encoding.StateAccepted{})
	}

	c, _, tc := dialTransactionController(t, onTransfer)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	txnID, err := tc.Declare(ctx)
	require.NoError(t, err)
	require.Equal(t, wantTxnID, txnID)

	require.NoError(t, tc.Discharge(ctx, txnID, false))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, tc.Close(closeCtx))
}

func TestTransactionControllerDeclareUnexpectedOutcome(t *testing.T) {
	defer leaktest.Check(t)()

	onTransfer := func(fr *frames.PerformTransfer) ([]byte, error) {
		return fake.PerformDisposition(*fr.DeliveryID, &encoding.StateAccepted{})
	}

	c, _, tc := dialTransactionController(t, onTransfer)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	txnID, err := tc.Declare(ctx)
	require.Error(t, err)
	require.Nil(t, txnID)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, tc.Close(closeCtx))
}

// isDeclare reports whether an amqp-value message body's payload carries a
// Declare composite rather than a Discharge, by scanning for the
// composite's descriptor code.
func isDeclare(payload []byte) bool {
	for _, b := range payload {
		switch encoding.AMQPType(b) {
		case encoding.TypeCodeDeclare:
			return true
		case encoding.TypeCodeDischarge:
			return false
		}
	}
	return false
}
