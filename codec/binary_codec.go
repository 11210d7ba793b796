package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"rpcbridge/message"
)

// BinaryCodec lays an envelope out as length-prefixed fields in network
// byte order:
//
//	key len u16 | key | code len u16 | code | error len u16 | error | payload len u32 | payload
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Envelope")
	}
	if len(env.Key) > math.MaxUint16 || len(env.Code) > math.MaxUint16 || len(env.Error) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: string field exceeds 65535 bytes")
	}
	if uint64(len(env.Payload)) > math.MaxUint32 {
		return nil, errors.New("BinaryCodec: payload exceeds 4 GiB")
	}

	total := 2 + len(env.Key) + 2 + len(env.Code) + 2 + len(env.Error) + 4 + len(env.Payload)
	buf := make([]byte, 0, total)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.Key)))
	buf = append(buf, env.Key...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.Code)))
	buf = append(buf, env.Code...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.Error)))
	buf = append(buf, env.Error...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.Payload)))
	buf = append(buf, env.Payload...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Envelope")
	}

	r := byteReader{data: data}
	key := r.str16()
	code := r.str16()
	text := r.str16()
	payload := r.bytes32()
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("%w: binary envelope has %d trailing bytes", message.ErrDecode, len(data)-r.off)
	}

	env.Key = key
	env.Code = message.Code(code)
	env.Error = text
	env.Payload = payload
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// byteReader walks a binary envelope and records the first short read.
type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: binary envelope truncated at offset %d", message.ErrDecode, r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) str16() string {
	l := r.take(2)
	if l == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(l))))
}

func (r *byteReader) bytes32() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	b := r.take(int(binary.BigEndian.Uint32(l)))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
