package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborDecMode decodes nested maps as map[string]any instead of map[any]any.
var cborDecMode, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}.DecMode()

// CBORCodec is the alternative compact encoding.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if err := cborDecMode.Unmarshal(data, v); err != nil {
		return err
	}
	normalizeTarget(v)
	return nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
