package network

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte(`{"type":"guess","payload":{"value":60}}`)
	frame, err := Encode(MsgTypePlayerAction, body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xca, 0x00, byte(len(body))}, frame[:4])

	p, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(MsgTypePlayerAction), p.MsgID)
	assert.Equal(t, uint16(len(body)), p.Length)
	assert.Equal(t, body, p.Data)
}

func TestDecode_TrailingBytesIgnored(t *testing.T) {
	frame, err := Encode(MsgTypeHeartbeat, nil)
	require.NoError(t, err)

	p, err := Decode(append(frame, 0xff, 0xff))
	require.NoError(t, err)
	assert.Empty(t, p.Data)
}

func TestDecode_Short(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, io.ErrShortBuffer)

	_, err = Decode([]byte{0x00, 0x01, 0x00, 0x05, 'a'})
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestEncode_TooLarge(t *testing.T) {
	_, err := Encode(MsgTypeUpdate, bytes.Repeat([]byte("x"), MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	frame, err := Encode(MsgTypeUpdate, bytes.Repeat([]byte("x"), MaxPayload))
	require.NoError(t, err)
	assert.Len(t, frame, MaxPayload+4)
}
