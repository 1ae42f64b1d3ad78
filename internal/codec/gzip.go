package codec

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
)

// maxInflatedSize caps decompression output so a hostile peer cannot feed us
// a gzip bomb through a trade blob.
const maxInflatedSize = 64 << 20

// ErrBlobTooLarge is returned when a compressed blob inflates past the cap.
var ErrBlobTooLarge = errors.New("codec: inflated blob exceeds size cap")

// Compress gzips data at BestSpeed. Trade blobs are large and highly
// repetitive JSON; level 1 gets most of the win at a fraction of the cost.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates a gzip blob, enforcing maxInflatedSize.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedSize {
		return nil, ErrBlobTooLarge
	}
	return out, nil
}
