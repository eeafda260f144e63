package mbtiles

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// IsGzip reports whether data starts with the gzip magic bytes.
func IsGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Inflate decodes a gzip or zlib stream.
func Inflate(data []byte) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	if IsGzip(data) {
		r, err = gzip.NewReader(bytes.NewReader(data))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decode applies the store compression to a blob read from images.
func decode(c Compression, blob []byte) ([]byte, error) {
	switch c {
	case CompressionDeflate:
		return Inflate(blob)
	case CompressionUndefined:
		if out, err := Inflate(blob); err == nil {
			return out, nil
		}
	}
	return blob, nil
}
