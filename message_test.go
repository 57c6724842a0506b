package amqp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/encoding"
)

func TestMessageRoundTripDataBody(t *testing.T) {
	msg := &Message{
		DeliveryTag: []byte("tag-1"),
		Header: &MessageHeader{
			Durable:  true,
			Priority: 4,
			TTL:      5 * time.Second,
		},
		Properties: &MessageProperties{
			MessageID:   "msg-1",
			To:          "queue/a",
			ContentType: "application/json",
		},
		ApplicationProperties: map[string]any{
			"x-retry": int32(3),
		},
		Annotations: encoding.Annotations{"x-opt-foo": "bar"},
		Data:        [][]byte{[]byte("hello"), []byte("world")},
	}

	buf := buffer.New(nil)
	require.NoError(t, msg.Marshal(buf))

	var out Message
	require.NoError(t, out.Unmarshal(buffer.New(buf.Detach())))

	if diff := cmp.Diff(msg.Data, out.Data); diff != "" {
		t.Fatalf("Data mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, msg.Header.Durable, out.Header.Durable)
	require.Equal(t, msg.Header.Priority, out.Header.Priority)
	require.Equal(t, msg.Header.TTL, out.Header.TTL)
	require.Equal(t, msg.Properties.MessageID, out.Properties.MessageID)
	require.Equal(t, msg.Properties.To, out.Properties.To)
	require.Equal(t, msg.Annotations["x-opt-foo"], out.Annotations["x-opt-foo"])
}

func TestMessageRoundTripValueBody(t *testing.T) {
	msg := &Message{Value: "plain string body"}

	buf := buffer.New(nil)
	require.NoError(t, msg.Marshal(buf))

	var out Message
	require.NoError(t, out.Unmarshal(buffer.New(buf.Detach())))

	require.True(t, out.hasValue)
	require.Equal(t, msg.Value, out.Value)
}

func TestMessageHeaderDefaultPriority(t *testing.T) {
	h := &MessageHeader{}
	buf := buffer.New(nil)
	require.NoError(t, h.marshal(buf))

	var out MessageHeader
	require.NoError(t, out.unmarshal(buffer.New(buf.Detach())))
	require.Equal(t, uint8(4), out.Priority)
}

func TestNewMessageGetData(t *testing.T) {
	msg := NewMessage([]byte("payload"))
	require.Equal(t, []byte("payload"), msg.GetData())

	empty := &Message{}
	require.Nil(t, empty.GetData())
}
