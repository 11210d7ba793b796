package codec

import (
	"encoding/json"
	"fmt"

	"rpcbridge/message"
)

// JSONCodec encodes envelopes as JSON. Payload bytes become base64 text, so
// frames are larger than with BinaryCodec; it exists for debugging sessions
// with generic tooling.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: json envelope: %v", message.ErrDecode, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
