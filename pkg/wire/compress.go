package wire

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// EncodingZstd marks a chunk whose Data is a zstd frame.
const EncodingZstd = "zstd"

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			codecErr = fmt.Errorf("zstd writer: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(ChunkSize*2))
		if codecErr != nil {
			codecErr = fmt.Errorf("zstd reader: %w", codecErr)
		}
	})
	return encoder, decoder, codecErr
}

// Pack compresses raw when that makes it smaller and returns the payload with
// its encoding label.
func Pack(raw []byte) ([]byte, string, error) {
	enc, _, err := codecs()
	if err != nil {
		return nil, "", err
	}
	packed := enc.EncodeAll(raw, make([]byte, 0, len(raw)))
	if len(packed) >= len(raw) {
		return raw, "", nil
	}
	return packed, EncodingZstd, nil
}

// Unpack returns the uncompressed payload of c.
func Unpack(c Chunk) ([]byte, error) {
	switch c.Encoding {
	case "":
		return c.Data, nil
	case EncodingZstd:
		_, dec, err := codecs()
		if err != nil {
			return nil, err
		}
		raw, err := dec.DecodeAll(c.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("unpack chunk %s@%d: %w", c.Digest.Short(), c.Offset, err)
		}
		if len(raw) > ChunkSize {
			return nil, fmt.Errorf("unpack chunk %s@%d: %d bytes exceeds chunk size", c.Digest.Short(), c.Offset, len(raw))
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unpack chunk: unsupported encoding %q", c.Encoding)
	}
}
