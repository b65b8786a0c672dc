package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the snapshot frame protocol.
const (
	// MagicByte is the marker used to identify the start of a valid frame.
	MagicByte = 0xA5

	// HeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10

	// MaxFrameSize bounds a single payload so a corrupted length cannot
	// trigger an unbounded allocation.
	MaxFrameSize = 1 << 30
)

// Section opcodes. A snapshot lists its frames in non-decreasing opcode order.
const (
	OpHeader   byte = 0x01
	OpGraph    byte = 0x02
	OpCodebook byte = 0x03
	OpVectors  byte = 0x04
	OpMetadata byte = 0x05
	OpEnd      byte = 0x7F
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a snapshot.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended abruptly (e.g., power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// FrameWriter handles the safe writing of binary frames to an io.Writer.
type FrameWriter struct {
	w      io.Writer
	header [HeaderSize]byte
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
// Wrap files in a bufio.Writer so header and payload leave in one syscall.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload into a binary frame and writes it.
// Frame Format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.New("frame payload too large")
	}
	fw.header[0] = MagicByte
	fw.header[1] = op
	binary.LittleEndian.PutUint32(fw.header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(fw.header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := fw.w.Write(fw.header[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads the next frame from the reader.
// It performs validation of the Magic Byte and the CRC32 Checksum.
// Returns the opcode, the payload, the total bytes read (header + payload), and an error.
func ReadFrame(r io.Reader) (byte, []byte, int, error) {
	header := make([]byte, HeaderSize)

	// ReadFull ensures we get exactly HeaderSize bytes or an error.
	if _, err := io.ReadFull(r, header); err != nil {
		// If we are at EOF exactly at the start of a frame, it's a clean exit.
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		return 0, nil, 0, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return 0, nil, HeaderSize, ErrInvalidMagic
	}
	op := header[1]
	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])
	if length > MaxFrameSize {
		return op, nil, HeaderSize, ErrIncompleteFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		// Even if it's EOF here, it's an error because we expected 'length' bytes.
		return op, nil, HeaderSize, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return op, nil, HeaderSize + int(length), ErrChecksumMismatch
	}

	return op, payload, HeaderSize + int(length), nil
}
