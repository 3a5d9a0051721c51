package spool

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

const archiveExt = ".zst"

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("spool: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("spool: zstd decoder: %v", err))
	}
}

func archive(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := writeAtomic(dest, zstdEncoder.EncodeAll(data, nil)); err != nil {
		return fmt.Errorf("spool: archive %s: %w", dest, err)
	}
	return nil
}

// ReadArchived returns the JSON held by a sent entry, compressed or not.
func ReadArchived(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(path) > len(archiveExt) && path[len(path)-len(archiveExt):] == archiveExt {
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("spool: decompress %s: %w", path, err)
		}
		return out, nil
	}
	return data, nil
}
