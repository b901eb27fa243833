package transform

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression levels accepted in configuration.
const (
	LevelFastest = "fastest"
	LevelDefault = "default"
	LevelBetter  = "better"
	LevelBest    = "best"
)

// Encoders are created per level and reused; zstd encoders and decoders
// are safe for concurrent use through EncodeAll/DecodeAll.
var (
	encoders    = map[zstd.EncoderLevel]*zstd.Encoder{}
	zstdDecoder *zstd.Decoder
)

func init() {
	for _, level := range []zstd.EncoderLevel{zstd.SpeedFastest, zstd.SpeedDefault, zstd.SpeedBetterCompression, zstd.SpeedBestCompression} {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic("transform: zstd encoder initialization failed: " + err.Error())
		}
		encoders[level] = enc
	}

	var err error
	// No chunk may decode to more than MaxChunkSize bytes.
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(MaxChunkSize)),
	)
	if err != nil {
		panic("transform: zstd decoder initialization failed: " + err.Error())
	}
}

// ParseCompressionLevel maps a configuration string to a zstd level.
// An empty string selects the default level.
func ParseCompressionLevel(name string) (zstd.EncoderLevel, error) {
	switch name {
	case "", LevelDefault:
		return zstd.SpeedDefault, nil
	case LevelFastest:
		return zstd.SpeedFastest, nil
	case LevelBetter:
		return zstd.SpeedBetterCompression, nil
	case LevelBest:
		return zstd.SpeedBestCompression, nil
	default:
		return 0, fmt.Errorf("unknown compression level %q", name)
	}
}

func compressChunk(level zstd.EncoderLevel, data []byte) []byte {
	enc, ok := encoders[level]
	if !ok {
		enc = encoders[zstd.SpeedDefault]
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)))
}

func decompressChunk(data []byte, maxSize int64) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if maxSize > 0 && int64(len(out)) > maxSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, chunk holds at most %d", len(out), maxSize)
	}
	return out, nil
}
