package cachedb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
)

// frameMagic is the 4-byte prefix of every stamped record value.
var frameMagic = []byte("RGC1")

const (
	// MaxHeaderSize is the maximum allowed size of the frame header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// CompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	// Also the hard cap during decompression.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB
)

// Payload encodings recorded in the frame header.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

var (
	// ErrInvalidFrame is returned when a stored value does not start with
	// the frame magic or is shorter than the framing requires.
	ErrInvalidFrame = errors.New("cachedb: invalid frame")

	// ErrHeaderTooLarge is returned when the frame header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("cachedb: frame header exceeds maximum size")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("cachedb: payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("cachedb: payload digest mismatch")
)

// FrameHeader carries the bookkeeping for one stamped record.
// On-disk format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | header JSON | payload.
type FrameHeader struct {
	CapturedAtMs int64  `json:"captured_at_ms"`
	Encoding     string `json:"encoding"`
	Digest       string `json:"digest"`
	Size         uint64 `json:"size"`
}

// CapturedAt returns the capture time of the record.
func (h FrameHeader) CapturedAt() time.Time {
	return time.UnixMilli(h.CapturedAtMs).UTC()
}

// Codec encodes and decodes stamped record frames with optional zstd
// compression. Encoder and decoder are goroutine-safe and shared across all
// stamped operations on one store.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// EncodeFrame wraps payload in a frame stamped with capturedAt. Payloads at
// or above CompressionThreshold are zstd-compressed when that helps. The
// header records a digest of the uncompressed payload, verified on decode.
func (c *Codec) EncodeFrame(payload []byte, capturedAt time.Time) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	header := FrameHeader{
		CapturedAtMs: capturedAt.UnixMilli(),
		Encoding:     EncodingIdentity,
		Digest:       offline.Digest(payload),
		Size:         uint64(len(payload)),
	}

	body := payload
	if len(payload) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			if compressed := enc.EncodeAll(payload, nil); len(compressed) < len(payload) {
				header.Encoding = EncodingZstd
				body = compressed
			}
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	frame := make([]byte, 0, len(frameMagic)+4+len(headerBytes)+len(body))
	frame = append(frame, frameMagic...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(headerBytes))) //nolint:gosec // bounds-checked above
	frame = append(frame, headerBytes...)
	frame = append(frame, body...)
	return frame, nil
}

// DecodeFrame parses a frame, decompresses the payload if needed, and
// verifies the payload digest. Returns ErrCorrupted on digest mismatch.
func (c *Codec) DecodeFrame(frame []byte) (FrameHeader, []byte, error) {
	header, body, err := splitFrame(frame)
	if err != nil {
		return header, nil, err
	}

	payload := body
	switch header.Encoding {
	case EncodingIdentity, "":
	case EncodingZstd:
		if header.Size > MaxPayloadSize {
			return header, nil, ErrPayloadTooLarge
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return header, nil, errors.New("cachedb: decoder not initialized")
		}

		payload, err = dec.DecodeAll(body, nil)
		if err != nil {
			return header, nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(payload) > MaxPayloadSize {
			return header, nil, ErrPayloadTooLarge
		}
	default:
		return header, nil, fmt.Errorf("cachedb: unsupported encoding %q", header.Encoding)
	}

	if header.Digest != "" && offline.Digest(payload) != header.Digest {
		return header, nil, ErrCorrupted
	}

	return header, payload, nil
}

// DecodeFrameHeader parses only the header of a frame, leaving the payload
// encoded. Used by sweeps and age checks that do not need the payload.
func DecodeFrameHeader(frame []byte) (FrameHeader, error) {
	header, _, err := splitFrame(frame)
	return header, err
}

func splitFrame(frame []byte) (FrameHeader, []byte, error) {
	var header FrameHeader

	if len(frame) < len(frameMagic)+4 || !bytes.Equal(frame[:len(frameMagic)], frameMagic) {
		return header, nil, ErrInvalidFrame
	}

	headerLen := binary.BigEndian.Uint32(frame[len(frameMagic):])
	if headerLen > MaxHeaderSize {
		return header, nil, ErrHeaderTooLarge
	}

	rest := frame[len(frameMagic)+4:]
	if len(rest) < int(headerLen) {
		return header, nil, ErrInvalidFrame
	}

	if err := json.Unmarshal(rest[:headerLen], &header); err != nil {
		return header, nil, fmt.Errorf("parsing frame header: %w", err)
	}

	return header, rest[headerLen:], nil
}
