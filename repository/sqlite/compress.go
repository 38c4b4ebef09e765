package sqlite

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sqlite: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sqlite: zstd decoder initialization failed: " + err.Error())
	}
}

func compressText(s string) []byte {
	return zstdEncoder.EncodeAll([]byte(s), nil)
}

func decompressText(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := zstdDecoder.DecodeAll(b, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decompress: %w", err)
	}
	return string(out), nil
}
