package codec

import (
	"github.com/shamaton/msgpack/v2"
)

// MsgpackCodec is the preferred compact encoding. Binary values stay binary (bin8/16/32)
// so chunk payloads and user byte fields survive the round trip untouched.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return err
	}
	normalizeTarget(v)
	return nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}

// normalizeTarget rewrites nested map[any]any left behind by the decoder when the
// destination is a generic map or interface.
func normalizeTarget(v any) {
	switch p := v.(type) {
	case *map[string]any:
		Normalize(*p)
	case *any:
		*p = Normalize(*p)
	}
}
