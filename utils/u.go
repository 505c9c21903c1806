package utils

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

var ErrTooLarge = errors.New("utils: uncompressed data too large")

func Compress(data []byte) ([]byte, error) {
	b := new(bytes.Buffer)
	w := lz4.NewWriter(b)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Uncompress inflates an lz4 stream, failing with ErrTooLarge once the
// output would exceed limit bytes.
func Uncompress(data []byte, limit int) ([]byte, error) {
	r := io.LimitReader(lz4.NewReader(bytes.NewReader(data)), int64(limit)+1)
	b := new(bytes.Buffer)
	if _, err := io.Copy(b, r); err != nil {
		return nil, err
	}
	if b.Len() > limit {
		return nil, errors.Wrapf(ErrTooLarge, "limit %d", limit)
	}
	return b.Bytes(), nil
}
