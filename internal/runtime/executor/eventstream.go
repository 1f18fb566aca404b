package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// AWS event-stream binary framing, as emitted by the CodeWhisperer
// streaming endpoint. Each frame is laid out as:
//
//	[4 bytes: total length (big-endian)]
//	[4 bytes: headers length (big-endian)]
//	[4 bytes: prelude CRC32]
//	[headers]
//	[payload]
//	[4 bytes: message CRC32 over everything preceding it]

// Header value wire types. Only string-valued headers carry routing
// information; the rest are length-skipped.
const (
	headerBoolTrue  = 0
	headerBoolFalse = 1
	headerByte      = 2
	headerShort     = 3
	headerInt       = 4
	headerLong      = 5
	headerByteArray = 6
	headerString    = 7
	headerTimestamp = 8
	headerUUID      = 9
)

// maxFrameSize bounds a single frame. Upstream frames are small JSON
// events; anything larger indicates a desynced stream.
const maxFrameSize = 16 << 20

var errHeaderTruncated = errors.New("event stream: truncated header block")

// eventFrame is one decoded event-stream message.
type eventFrame struct {
	// EventType is the ":event-type" header, e.g. "assistantResponseEvent".
	EventType string
	// MessageType is the ":message-type" header; "exception" marks an
	// upstream error frame.
	MessageType string
	// ExceptionType is the ":exception-type" header on exception frames.
	ExceptionType string
	Payload       []byte
}

// readEventFrame reads and verifies one frame. It returns io.EOF when
// the stream ends cleanly on a frame boundary.
func readEventFrame(r io.Reader) (*eventFrame, error) {
	var prelude [12]byte
	if _, err := io.ReadFull(r, prelude[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("event stream: read prelude: %w", err)
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headerLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if got := crc32.ChecksumIEEE(prelude[0:8]); got != preludeCRC {
		return nil, fmt.Errorf("event stream: prelude checksum mismatch (got %08x, want %08x)", got, preludeCRC)
	}
	if totalLen < 16 || totalLen > maxFrameSize {
		return nil, fmt.Errorf("event stream: implausible frame length %d", totalLen)
	}
	if headerLen > totalLen-16 {
		return nil, fmt.Errorf("event stream: header length %d exceeds frame length %d", headerLen, totalLen)
	}

	rest := make([]byte, totalLen-12)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("event stream: short frame: %w", err)
	}

	wantCRC := binary.BigEndian.Uint32(rest[len(rest)-4:])
	sum := crc32.NewIEEE()
	sum.Write(prelude[:])
	sum.Write(rest[:len(rest)-4])
	if got := sum.Sum32(); got != wantCRC {
		return nil, fmt.Errorf("event stream: message checksum mismatch (got %08x, want %08x)", got, wantCRC)
	}

	frame := &eventFrame{Payload: rest[headerLen : len(rest)-4]}
	err := walkHeaders(rest[:headerLen], func(name, value string) {
		switch name {
		case ":event-type":
			frame.EventType = value
		case ":message-type":
			frame.MessageType = value
		case ":exception-type":
			frame.ExceptionType = value
		}
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// walkHeaders decodes a header block, calling visit for each
// string-valued header. Non-string values are skipped by their encoded
// width so an unexpected header type cannot desync the walk.
func walkHeaders(b []byte, visit func(name, value string)) error {
	for len(b) > 0 {
		nameLen := int(b[0])
		b = b[1:]
		if len(b) < nameLen+1 {
			return errHeaderTruncated
		}
		name := string(b[:nameLen])
		typ := b[nameLen]
		b = b[nameLen+1:]

		var width int
		switch typ {
		case headerBoolTrue, headerBoolFalse:
		case headerByte:
			width = 1
		case headerShort:
			width = 2
		case headerInt:
			width = 4
		case headerLong, headerTimestamp:
			width = 8
		case headerUUID:
			width = 16
		case headerByteArray, headerString:
			if len(b) < 2 {
				return errHeaderTruncated
			}
			width = int(binary.BigEndian.Uint16(b))
			b = b[2:]
		default:
			return fmt.Errorf("event stream: unknown header value type %d", typ)
		}
		if len(b) < width {
			return errHeaderTruncated
		}
		if typ == headerString {
			visit(name, string(b[:width]))
		}
		b = b[width:]
	}
	return nil
}
