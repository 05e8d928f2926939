package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Errors returned while reading an archive.
var (
	// ErrEtagMismatch reports that the archive changed between reads.
	ErrEtagMismatch = errors.New("archive etag mismatch")
	// ErrMalformed reports an archive that cannot be parsed.
	ErrMalformed = errors.New("malformed archive")
	// ErrUnsupportedCompression reports a compression code with no codec.
	ErrUnsupportedCompression = fmt.Errorf("%w: compression method not supported", ErrMalformed)
	// ErrMaxDepth reports more than four nested directories.
	ErrMaxDepth = fmt.Errorf("%w: maximum directory depth exceeded", ErrMalformed)
)

//Decompress 按压缩方式解压, unknown 与 none 原样返回
func Decompress(data []byte, c Compression) ([]byte, error) {
	var r io.Reader
	switch c {
	case UnknownCompression, NoCompression:
		return data, nil
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
		defer zr.Close()
		r = zr
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, c)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s decode: %s", ErrMalformed, c, err)
	}
	return out, nil
}

//Compress 按压缩方式压缩, 用于写出归档与测试
func Compress(data []byte, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case UnknownCompression, NoCompression:
		return data, nil
	case Gzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case Brotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case Zstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, c)
	}
	return buf.Bytes(), nil
}
