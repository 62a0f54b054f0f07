// Package codec provides the value encoders a connection can speak on the wire and the
// negotiation between what the two sides accept.
//
// Three representations are supported:
//   - JSON:    the plain representation, always understood; used for the handshake.
//   - MsgPack: the preferred compact binary representation.
//   - CBOR:    an alternative compact binary representation.
//
// Every encoded frame is a map, so its encoding can be recognized from the first byte:
//
//	'{'         → JSON object
//	0x80..0x8f  → msgpack fixmap, 0xde/0xdf → msgpack map16/map32
//	0xa0..0xbb  → CBOR map, 0xbf → CBOR indefinite-length map
package codec

import (
	"bytes"
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
	CodecTypeCBOR    CodecType = 2
)

// Encoding names as they appear in accept_encoding lists.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
	EncodingCBOR    = "cbor"
	EncodingGzip    = "gzip"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=MsgPack, 2=CBOR
}

// Name returns the accept_encoding name of the codec type.
func (t CodecType) Name() string {
	switch t {
	case CodecTypeJSON:
		return EncodingJSON
	case CodecTypeMsgpack:
		return EncodingMsgpack
	case CodecTypeCBOR:
		return EncodingCBOR
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	case CodecTypeCBOR:
		return &CBORCodec{}
	}
	return &JSONCodec{}
}

// Detect recognizes the encoding of a frame from its first significant byte.
func Detect(data []byte) (CodecType, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return 0, fmt.Errorf("codec: empty frame")
	}
	b := trimmed[0]
	switch {
	case b == '{':
		return CodecTypeJSON, nil
	case b >= 0x80 && b <= 0x8f, b == 0xde, b == 0xdf:
		return CodecTypeMsgpack, nil
	case b >= 0xa0 && b <= 0xbb, b == 0xbf:
		return CodecTypeCBOR, nil
	}
	return 0, fmt.Errorf("codec: unrecognized frame prefix 0x%02x", b)
}

// Normalize converts decoder-specific container types (map[any]any, []any with nested
// maps) into map[string]any so that every encoding yields the same message shape.
// Non-string map keys are formatted with %v.
func Normalize(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, e := range vv {
			vv[k] = Normalize(e)
		}
		return vv
	case map[any]any:
		out := make(map[string]any, len(vv))
		for k, e := range vv {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprint(k)
			}
			out[ks] = Normalize(e)
		}
		return out
	case []any:
		for i, e := range vv {
			vv[i] = Normalize(e)
		}
		return vv
	}
	return v
}
