// Package protocol implements the length-prefixed frame protocol used by stream
// transports (TCP, unix sockets).
//
// A stream has no message boundaries, so every wire frame is prefixed by a fixed-size
// 9-byte header. The receiver reads the header first to learn the body length, then
// reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ prp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// The body is an opaque wire frame; its encoding is recognized by the wire layer.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "prp" (peer-rpc protocol).
// Used to reject non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)
)

// MaxBodyLen bounds a single frame body (64 MiB). Large binary values are chunked by the
// wire layer long before this limit, so a bigger header means a corrupt stream.
const MaxBodyLen uint32 = 64 << 20

// MsgType distinguishes data, heartbeat and close frames.
type MsgType byte

const (
	MsgTypeData      MsgType = 0 // Carries one wire frame
	MsgTypeHeartbeat MsgType = 1 // KeepAlive ping (no body)
	MsgTypeClose     MsgType = 2 // Orderly shutdown notice (no body)
)

// Header represents the fixed 9-byte frame header.
type Header struct {
	MsgType MsgType
	BodyLen uint32 // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("header body length %d does not match body size %d", h.BodyLen, len(body))
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", h.BodyLen)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)

	// Single write so that header and body are never split by another writer
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version and message type, and uses io.ReadFull to
// guarantee exactly N bytes are read.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeData && msgType != MsgTypeHeartbeat && msgType != MsgTypeClose {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{MsgType: msgType, BodyLen: bodyLen}, body, nil
}
