package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Preamble of every snapshot file: magic, format version and stream codec.
const (
	FileMagic    = "GVEC"
	FormatV1     = uint16(1)
	preambleSize = len(FileMagic) + 2 + 1
)

// ErrUnsupportedVersion is returned for files written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Codec compresses the frame stream that follows the preamble.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

// ParseCodec accepts "none", "zstd" and "lz4". An empty name selects none.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "raw":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return 0, fmt.Errorf("unknown snapshot codec '%s'", name)
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

func writePreamble(w io.Writer, c Codec) error {
	var buf [preambleSize]byte
	copy(buf[:], FileMagic)
	binary.LittleEndian.PutUint16(buf[4:6], FormatV1)
	buf[6] = byte(c)
	_, err := w.Write(buf[:])
	return err
}

func readPreamble(r io.Reader) (Codec, error) {
	var buf [preambleSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read preamble: %w", ErrIncompleteFrame)
	}
	if string(buf[:4]) != FileMagic {
		return 0, fmt.Errorf("not a genovec snapshot: %w", ErrInvalidMagic)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != FormatV1 {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	c := Codec(buf[6])
	if c > CodecLZ4 {
		return 0, fmt.Errorf("unknown snapshot codec %d", c)
	}
	return c, nil
}

// compressor wraps w with the stream encoder of c. Close flushes the encoder
// without closing w.
func compressor(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

func decompressor(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return io.NopCloser(r), nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
