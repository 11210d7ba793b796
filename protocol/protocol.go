// Package protocol implements the frame format spoken between bridge
// sessions and the query router.
//
// Every frame is a fixed 14-byte header followed by a codec encoded
// message.Envelope. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ zrb  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Seq is chosen by whichever side opens an exchange (Declare, Subscribe,
// Query) and echoed in the matching Reply.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes: "zrb" (zenoh ROS bridge).
const (
	MagicNumber byte = 0x7a // 'z'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x62 // 'b'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so that a corrupt length cannot make
	// the reader allocate without limit.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType identifies what a frame carries.
type MsgType byte

const (
	MsgTypeDeclare     MsgType = 0 // Session → Router: serve queries on Key
	MsgTypeUndeclare   MsgType = 1 // Session → Router: withdraw Key
	MsgTypeQuery       MsgType = 2 // Either way: request on Key
	MsgTypeReply       MsgType = 3 // Either way: answer to the frame with the same Seq
	MsgTypeSubscribe   MsgType = 4 // Session → Router: deliver Puts on Key
	MsgTypeUnsubscribe MsgType = 5 // Session → Router: stop delivering Key
	MsgTypePut         MsgType = 6 // Either way: publication on Key, no reply
	MsgTypeHeartbeat   MsgType = 7 // KeepAlive probe (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeDeclare:
		return "declare"
	case MsgTypeUndeclare:
		return "undeclare"
	case MsgTypeQuery:
		return "query"
	case MsgTypeReply:
		return "reply"
	case MsgTypeSubscribe:
		return "subscribe"
	case MsgTypeUnsubscribe:
		return "unsubscribe"
	case MsgTypePut:
		return "put"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Envelope codec: 0=JSON, 1=Binary
	MsgType   MsgType // Frame kind
	Seq       uint32  // Exchange id, echoed by the Reply
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w with a single Write,
// so carriers that frame each Write (WebSocket) see one message per frame.
// The caller must serialise concurrent writers.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("frame body of %d bytes exceeds limit %d", len(body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and the
// body length limit.
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
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body of %d bytes exceeds limit %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
