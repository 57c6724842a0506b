package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderSettleModeValueDefault(t *testing.T) {
	require.Equal(t, ModeMixed, senderSettleModeValue(nil))

	settled := ModeSettled
	require.Equal(t, ModeSettled, senderSettleModeValue(&settled))
}

func TestReceiverSettleModeValueDefault(t *testing.T) {
	require.Equal(t, ModeFirst, receiverSettleModeValue(nil))

	second := ModeSecond
	require.Equal(t, ModeSecond, receiverSettleModeValue(&second))
}
