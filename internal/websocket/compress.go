package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm of a binary frame. The value is the
// first byte of every compressed frame.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a configured algorithm name
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var errIncompressible = errors.New("payload does not compress")

// outbound is an encoded frame ready for the write pump
type outbound struct {
	kind int
	data []byte
}

// compressor turns JSON payloads into frames. Payloads above threshold are
// compressed into a binary frame: one algorithm byte, then for lz4 the
// big-endian uint32 original length, then the compressed block.
type compressor struct {
	alg       Compression
	threshold int
	zenc      *zstd.Encoder
}

func newCompressor(alg Compression, threshold int) (*compressor, error) {
	c := &compressor{alg: alg, threshold: threshold}
	if alg == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.zenc = enc
	}
	return c, nil
}

func (c *compressor) frame(payload []byte) outbound {
	if c.alg == CompressionNone || len(payload) <= c.threshold {
		return outbound{kind: websocket.TextMessage, data: payload}
	}

	var (
		body []byte
		err  error
	)
	switch c.alg {
	case CompressionLZ4:
		body, err = compressLZ4(payload)
	case CompressionZstd:
		body, err = c.compressZstd(payload)
	}
	if err != nil {
		return outbound{kind: websocket.TextMessage, data: payload}
	}
	return outbound{kind: websocket.BinaryMessage, data: body}
}

func compressLZ4(payload []byte) ([]byte, error) {
	out := make([]byte, 5+lz4.CompressBlockBound(len(payload)))
	out[0] = byte(CompressionLZ4)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))

	n, err := lz4.CompressBlock(payload, out[5:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n+5 >= len(payload) {
		return nil, errIncompressible
	}
	return out[:5+n], nil
}

func (c *compressor) compressZstd(payload []byte) ([]byte, error) {
	out := c.zenc.EncodeAll(payload, []byte{byte(CompressionZstd)})
	if len(out) >= len(payload) {
		return nil, errIncompressible
	}
	return out, nil
}

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
})

// Decompress restores the JSON payload of a binary frame
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}

	switch Compression(frame[0]) {
	case CompressionLZ4:
		if len(frame) < 5 {
			return nil, errors.New("lz4 frame too short")
		}
		size := binary.BigEndian.Uint32(frame[1:5])
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(frame[5:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != int(size) {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil

	case CompressionZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", frame[0])
	}
}
