package source

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const zstdSuffix = ".zst"

// decompressing closes both the zstd stream and the reader beneath it.
type decompressing struct {
	dec   *zstd.Decoder
	under io.Closer
}

func (d *decompressing) Read(p []byte) (int, error) {
	return d.dec.Read(p)
}

func (d *decompressing) Close() error {
	d.dec.Close()
	return d.under.Close()
}

// decompress wraps rc in a zstd decoder.
func decompress(rc io.ReadCloser) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &decompressing{dec: dec, under: rc}, nil
}

// open applies decompression when the entry calls for it.
func open(rc io.ReadCloser, e Entry) (io.ReadCloser, error) {
	if !e.Compressed {
		return rc, nil
	}
	return decompress(rc)
}
