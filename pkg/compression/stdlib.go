package compression

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressZstd compresses r into w and reports the compressed byte count.
func CompressZstd(r io.Reader, w io.Writer) (int64, error) {
	counter := &byteCounter{w: w}
	enc, err := zstd.NewWriter(counter)
	if err != nil {
		return 0, err
	}
	defer enc.Close()

	if _, err := io.Copy(enc, r); err != nil {
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	return counter.Count(), nil
}

// DecompressZstd decompresses zstd data from r into w.
func DecompressZstd(r io.Reader, w io.Writer) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	return io.Copy(w, dec)
}

// CompressGzip compresses using standard gzip.
func CompressGzip(r io.Reader, w io.Writer) (int64, error) {
	counter := &byteCounter{w: w}
	gz := gzip.NewWriter(counter)
	defer gz.Close()

	if _, err := io.Copy(gz, r); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return counter.Count(), nil
}

// DecompressGzip decompresses gzip data.
func DecompressGzip(r io.Reader, w io.Writer) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	return io.Copy(w, gz)
}
