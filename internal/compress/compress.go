package compress

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Codec names accepted in a compress format's `codec` field.
const (
	CodecGzip = "gzip"
	CodecZstd = "zstd"
)

// Supported reports whether name is a built-in codec.
func Supported(name string) bool {
	return name == CodecGzip || name == CodecZstd
}

// WrapWriter wraps w with the named codec.
func WrapWriter(codec string, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

// WrapReader wraps r with the named codec's decompressor.
func WrapReader(codec string, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case CodecGzip:
		return gzip.NewReader(r)
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

// File compresses src into dst with the named codec and removes src on
// success, mirroring what gzip(1) does. On failure the partial dst is
// removed and src is left intact.
func File(codec, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	wc, err := WrapWriter(codec, out)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if _, err := io.Copy(wc, in); err != nil {
		wc.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := wc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
