package frames

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wirerail/amqp10/internal/buffer"
	"github.com/wirerail/amqp10/internal/encoding"
)

func TestHeaderMarshalParseRoundTrip(t *testing.T) {
	h := Header{Size: 42, DataOffset: 2, FrameType: TypeAMQP, Channel: 7}
	var buf buffer.Buffer
	h.Marshal(&buf)

	got, err := ParseHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestPerformOpenRoundTrip(t *testing.T) {
	in := &PerformOpen{
		ContainerID:  "container-1",
		Hostname:     "example.org",
		MaxFrameSize: 65536,
		ChannelMax:   100,
	}
	var buf buffer.Buffer
	require.NoError(t, in.Marshal(&buf))

	out := new(PerformOpen)
	require.NoError(t, out.Unmarshal(buffer.New(buf.Detach())))
	require.Equal(t, in, out)
}

func TestPerformOpenRequiresContainerID(t *testing.T) {
	// an empty field list leaves every declared field absent, which should
	// trip ContainerID's required-field HandleNull.
	var buf buffer.Buffer
	require.NoError(t, encoding.MarshalComposite(&buf, encoding.TypeCodeOpen, nil))

	out := new(PerformOpen)
	err := out.Unmarshal(buffer.New(buf.Detach()))
	require.Error(t, err)
}

func TestPerformBeginRoundTrip(t *testing.T) {
	remoteChannel := uint16(3)
	in := &PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      256,
	}
	var buf buffer.Buffer
	require.NoError(t, in.Marshal(&buf))

	out := new(PerformBegin)
	require.NoError(t, out.Unmarshal(buffer.New(buf.Detach())))
	require.Equal(t, in, out)
}

func TestPerformBeginHandleMaxDefault(t *testing.T) {
	in := &PerformBegin{NextOutgoingID: 1, IncomingWindow: 1, OutgoingWindow: 1}
	var buf buffer.Buffer
	require.NoError(t, in.Marshal(&buf))

	out := new(PerformBegin)
	require.NoError(t, out.Unmarshal(buffer.New(buf.Detach())))
	require.Equal(t, uint32(4294967295), out.HandleMax)
}

func TestPerformFlowRoundTrip(t *testing.T) {
	handle := uint32(1)
	credit := uint32(100)
	in := &PerformFlow{
		IncomingWindow: 10,
		NextOutgoingID: 1,
		OutgoingWindow: 10,
		Handle:         &handle,
		LinkCredit:     &credit,
		Drain:          true,
	}
	var buf buffer.Buffer
	require.NoError(t, in.Marshal(&buf))

	out := new(PerformFlow)
	require.NoError(t, out.Unmarshal(buffer.New(buf.Detach())))
	require.Equal(t, in, out)
}

func TestPerformTransferRoundTripWithPayload(t *testing.T) {
	did := uint32(9)
	in := &PerformTransfer{
		Handle:      1,
		DeliveryID:  &did,
		DeliveryTag: []byte("tag-1"),
		Payload:     []byte("hello world"),
	}
	var buf buffer.Buffer
	require.NoError(t, in.Marshal(&buf))

	out := new(PerformTransfer)
	raw := buf.Detach()
	r := buffer.New(raw)
	require.NoError(t, out.Unmarshal(r))
	require.Equal(t, in.Handle, out.Handle)
	require.Equal(t, *in.DeliveryID, *out.DeliveryID)
	require.Equal(t, in.DeliveryTag, out.DeliveryTag)
	require.Equal(t, in.Payload, out.Payload)
}

func TestPerformDetachRoundTrip(t *testing.T) {
	in := &PerformDetach{Handle: 2, Closed: true, Error: &encoding.Error{Condition: "amqp:link:detach-forced"}}
	var buf buffer.Buffer
	require.NoError(t, in.Marshal(&buf))

	out := new(PerformDetach)
	require.NoError(t, out.Unmarshal(buffer.New(buf.Detach())))
	require.Equal(t, in.Handle, out.Handle)
	require.True(t, out.Closed)
	require.Equal(t, in.Error.Condition, out.Error.Condition)
}

func TestParseBodyDispatchesByDescriptor(t *testing.T) {
	in := &PerformEnd{}
	var buf buffer.Buffer
	require.NoError(t, in.Marshal(&buf))

	body, err := ParseBody(buffer.New(buf.Detach()))
	require.NoError(t, err)
	_, ok := body.(*PerformEnd)
	require.True(t, ok)
}
