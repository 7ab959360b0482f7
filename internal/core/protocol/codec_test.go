package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/quant"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
)

func newCodec(t *testing.T, threshold, maxSize int) *Codec {
	t.Helper()
	c, err := NewCodec(threshold, maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func bigRegistry(n int) *registry.Delta {
	d := &registry.Delta{Full: true, Version: 9}
	for i := 0; i < n; i++ {
		d.Upserts = append(d.Upserts, registry.Entry{
			NetID:      models.NetID(i + 1),
			OwnerKey:   models.OwnerKey(fmt.Sprintf("unit-%05d", i)),
			LocalIndex: int32(i),
		})
	}
	return d
}

func TestFrameRoundTripUncompressed(t *testing.T) {
	c := newCodec(t, 1024, 0)
	loc := quant.QVec3{X: 10, Y: -4}
	frame := Frame{
		ServerTime: 42,
		Registry:   &registry.Delta{Version: 3, Removed: []models.NetID{7}},
		Bubble: &bubble.Delta{Items: []bubble.ItemDelta{
			{NetID: 5, Mask: bubble.FieldLocation, Location: &loc},
		}},
	}
	data, err := c.EncodeFrame(11, "sess", frame)
	require.NoError(t, err)

	var raw Envelope
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.False(t, raw.Compressed)

	env, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindFrame, env.Kind)
	assert.Equal(t, uint64(11), env.Seq)
	assert.Equal(t, "sess", env.Session)

	var got Frame
	require.NoError(t, c.Body(env, KindFrame, &got))
	assert.Equal(t, int64(42), got.ServerTime)
	require.NotNil(t, got.Registry)
	assert.Equal(t, []models.NetID{7}, got.Registry.Removed)
	require.NotNil(t, got.Bubble)
	require.Len(t, got.Bubble.Items, 1)
	require.NotNil(t, got.Bubble.Items[0].Location)
	assert.Equal(t, loc, *got.Bubble.Items[0].Location)
	assert.Nil(t, got.Bubble.Items[0].Rotation)
}

func TestLargePayloadIsCompressed(t *testing.T) {
	c := newCodec(t, 1024, 4<<20)
	frame := Frame{Registry: bigRegistry(2000)}
	data, err := c.EncodeFrame(1, "s", frame)
	require.NoError(t, err)

	var raw Envelope
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.True(t, raw.Compressed)

	env, err := c.Decode(data)
	require.NoError(t, err)
	assert.False(t, env.Compressed)
	var got Frame
	require.NoError(t, c.Body(env, KindFrame, &got))
	assert.Equal(t, frame.Registry.Upserts, got.Registry.Upserts)
	assert.True(t, got.Registry.Full)
}

func TestHelloCarriesUnits(t *testing.T) {
	c := newCodec(t, 0, 0)
	h := Hello{Version: Version, Session: "abc", ClientID: "c1", UpdateHz: 10, Units: quant.Units{Location: 1, Scale: 0.01, AngleSnap: 15}}
	data, err := c.EncodeHello(1, h)
	require.NoError(t, err)
	env, err := c.Decode(data)
	require.NoError(t, err)

	var got Hello
	require.NoError(t, c.Body(env, KindHello, &got))
	assert.Equal(t, h, got)
	assert.ErrorIs(t, c.Body(env, KindFrame, &Frame{}), ErrUnexpectedKind)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	c := newCodec(t, 0, 64)

	_, err := c.Decode([]byte{0xc1, 0x00})
	assert.ErrorIs(t, err, ErrDeserializationFailed)

	_, err = c.Decode(make([]byte, 65))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	bad, err := msgpack.Marshal(&Envelope{Kind: 99})
	require.NoError(t, err)
	_, err = c.Decode(bad)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = c.Encode(Kind(0), 1, "", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = c.EncodeFrame(1, "s", Frame{Registry: bigRegistry(100)})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestFrameEmpty(t *testing.T) {
	assert.True(t, Frame{}.Empty())
	assert.True(t, Frame{Registry: &registry.Delta{Version: 2}}.Empty())
	assert.False(t, Frame{Bubble: &bubble.Delta{Full: true}}.Empty())
	assert.Equal(t, "bye", KindBye.String())
}
