// Package codec provides the serialisation layers of the bridge.
//
// Two families live here:
//
//   - Envelope codecs (JSON, Binary) encode a *message.Envelope as the body of
//     a router wire frame. The frame header records which one was used.
//   - The CDR codec maps Go structs to the Common Data Representation used by
//     ROS 2 and Zenoh payloads, including the 4-byte encapsulation header.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeCDR    CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=CDR
}

// GetCodec returns the codec for codecType. Unknown types fall back to the
// binary envelope codec.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeCDR:
		return CDR
	}
	return &BinaryCodec{}
}

// Valid reports whether t names an envelope codec usable in a wire frame.
func (t CodecType) Valid() bool {
	return t == CodecTypeJSON || t == CodecTypeBinary
}
