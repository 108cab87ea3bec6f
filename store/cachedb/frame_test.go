package cachedb

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestCodec_RoundTrip(t *testing.T) {
	captured := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

	t.Run("small payload stays identity-encoded", func(t *testing.T) {
		codec := newTestCodec(t)

		payload := []byte(`{"key":"dashboard","total":42}`)
		frame, err := codec.EncodeFrame(payload, captured)
		require.NoError(t, err)

		header, got, err := codec.DecodeFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, EncodingIdentity, header.Encoding)
		assert.Equal(t, captured, header.CapturedAt())
		assert.Equal(t, uint64(len(payload)), header.Size)
	})

	t.Run("large compressible payload round-trips through zstd", func(t *testing.T) {
		codec := newTestCodec(t)

		payload := bytes.Repeat([]byte(`{"cadet":"repeat"}`), 500)
		require.GreaterOrEqual(t, len(payload), CompressionThreshold)

		frame, err := codec.EncodeFrame(payload, captured)
		require.NoError(t, err)
		assert.Less(t, len(frame), len(payload))

		header, got, err := codec.DecodeFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, EncodingZstd, header.Encoding)
		assert.Equal(t, payload, got)
	})

	t.Run("empty payload", func(t *testing.T) {
		codec := newTestCodec(t)

		frame, err := codec.EncodeFrame(nil, captured)
		require.NoError(t, err)

		header, got, err := codec.DecodeFrame(frame)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, uint64(0), header.Size)
	})
}

func TestCodec_Corruption(t *testing.T) {
	captured := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

	t.Run("tampered payload fails digest verification", func(t *testing.T) {
		codec := newTestCodec(t)

		frame, err := codec.EncodeFrame([]byte("authentic payload bytes"), captured)
		require.NoError(t, err)

		frame[len(frame)-1] ^= 0xff

		_, _, err = codec.DecodeFrame(frame)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("missing magic is an invalid frame", func(t *testing.T) {
		codec := newTestCodec(t)

		_, _, err := codec.DecodeFrame([]byte("NOPE and then some bytes"))
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("truncated frame is invalid", func(t *testing.T) {
		codec := newTestCodec(t)

		frame, err := codec.EncodeFrame([]byte("some payload"), captured)
		require.NoError(t, err)

		_, _, err = codec.DecodeFrame(frame[:6])
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("oversized payload rejected at encode", func(t *testing.T) {
		codec := newTestCodec(t)

		_, err := codec.EncodeFrame(make([]byte, MaxPayloadSize+1), captured)
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

func TestDecodeFrameHeader(t *testing.T) {
	codec := newTestCodec(t)
	captured := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

	frame, err := codec.EncodeFrame([]byte("payload"), captured)
	require.NoError(t, err)

	header, err := DecodeFrameHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, captured, header.CapturedAt())
	assert.NotEmpty(t, header.Digest)
}
