package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"rpcbridge/message"
)

// EncapsulationSize is the length of the CDR encapsulation header that
// precedes every serialized payload.
const EncapsulationSize = 4

// Representation identifiers (second header byte). Only plain CDR is
// supported; parameter lists (PL_CDR) are rejected.
const (
	reprCDRBE byte = 0x00
	reprCDRLE byte = 0x01
)

// CDR is the little endian codec used for every payload the bridge emits.
var CDR = &CDRCodec{}

// CDRCodec serialises Go values to XCDR1:
//
//	bool, int8, uint8          1 byte
//	int16, uint16              2 bytes, 2-aligned
//	int32, uint32, float32     4 bytes, 4-aligned
//	int64, uint64, float64     8 bytes, 8-aligned
//	string                     uint32 length (with NUL) + bytes + NUL
//	[]T                        uint32 count + elements
//	[N]T                       elements
//	struct                     fields in declaration order
//
// Alignment is relative to the first byte after the encapsulation header.
// Unexported fields and fields tagged `cdr:"-"` are skipped. Plain int and
// uint are rejected because IDL has no platform-sized integers.
type CDRCodec struct {
	BigEndian bool // Encode order; Decode follows the header
}

// Marshal encodes v with the little endian CDR codec.
func Marshal(v any) ([]byte, error) { return CDR.Encode(v) }

// Unmarshal decodes data into the value pointed to by v.
func Unmarshal(data []byte, v any) error { return CDR.Decode(data, v) }

func (c *CDRCodec) Type() CodecType {
	return CodecTypeCDR
}

func (c *CDRCodec) Encode(v any) ([]byte, error) {
	e := &cdrEncoder{order: binary.LittleEndian, buf: make([]byte, EncapsulationSize, 64)}
	e.buf[1] = reprCDRLE
	if c.BigEndian {
		e.order = binary.BigEndian
		e.buf[1] = reprCDRBE
	}
	if err := e.encode(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Decode reads a value from data. Bytes after the decoded value are
// ignored, so a struct holding only the leading fields of a message decodes
// that prefix.
func (c *CDRCodec) Decode(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("cdr: decode target must be a non-nil pointer, got %T", v)
	}
	order, err := CheckEncapsulation(data)
	if err != nil {
		return err
	}
	d := &cdrDecoder{order: order, data: data[EncapsulationSize:]}
	return d.decode(rv.Elem())
}

// CheckEncapsulation validates the header of a CDR payload and returns the
// byte order it announces.
func CheckEncapsulation(data []byte) (binary.ByteOrder, error) {
	if len(data) < EncapsulationSize {
		return nil, malformed("payload of %d bytes has no encapsulation header", len(data))
	}
	if data[0] != 0 {
		return nil, malformed("unsupported representation 0x%02x%02x", data[0], data[1])
	}
	switch data[1] {
	case reprCDRLE:
		return binary.LittleEndian, nil
	case reprCDRBE:
		return binary.BigEndian, nil
	}
	return nil, malformed("unsupported representation 0x%02x%02x", data[0], data[1])
}

// PeekGoalID returns the goal id that opens send_goal, get_result,
// cancel_goal and feedback payloads.
func PeekGoalID(data []byte) (message.GoalID, error) {
	var h message.GoalRequestHeader
	if err := CDR.Decode(data, &h); err != nil {
		return message.GoalID{}, err
	}
	return h.GoalID, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: cdr: "+format, append([]any{message.ErrDecode}, args...)...)
}

type cdrEncoder struct {
	order binary.ByteOrder
	buf   []byte
	tmp   [8]byte
}

func (e *cdrEncoder) align(n int) {
	for (len(e.buf)-EncapsulationSize)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *cdrEncoder) u16(v uint16) {
	e.align(2)
	e.order.PutUint16(e.tmp[:2], v)
	e.buf = append(e.buf, e.tmp[:2]...)
}

func (e *cdrEncoder) u32(v uint32) {
	e.align(4)
	e.order.PutUint32(e.tmp[:4], v)
	e.buf = append(e.buf, e.tmp[:4]...)
}

func (e *cdrEncoder) u64(v uint64) {
	e.align(8)
	e.order.PutUint64(e.tmp[:8], v)
	e.buf = append(e.buf, e.tmp[:8]...)
}

func (e *cdrEncoder) encode(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
	case reflect.Int8:
		e.buf = append(e.buf, byte(v.Int()))
	case reflect.Uint8:
		e.buf = append(e.buf, byte(v.Uint()))
	case reflect.Int16:
		e.u16(uint16(v.Int()))
	case reflect.Uint16:
		e.u16(uint16(v.Uint()))
	case reflect.Int32:
		e.u32(uint32(v.Int()))
	case reflect.Uint32:
		e.u32(uint32(v.Uint()))
	case reflect.Float32:
		e.u32(math.Float32bits(float32(v.Float())))
	case reflect.Int64:
		e.u64(uint64(v.Int()))
	case reflect.Uint64:
		e.u64(v.Uint())
	case reflect.Float64:
		e.u64(math.Float64bits(v.Float()))
	case reflect.String:
		s := v.String()
		if uint64(len(s))+1 > math.MaxUint32 {
			return fmt.Errorf("cdr: string too long")
		}
		e.u32(uint32(len(s) + 1))
		e.buf = append(e.buf, s...)
		e.buf = append(e.buf, 0)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			for i := 0; i < v.Len(); i++ {
				e.buf = append(e.buf, byte(v.Index(i).Uint()))
			}
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := e.encode(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Slice:
		if uint64(v.Len()) > math.MaxUint32 {
			return fmt.Errorf("cdr: sequence too long")
		}
		e.u32(uint32(v.Len()))
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.buf = append(e.buf, v.Bytes()...)
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := e.encode(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("cdr") == "-" {
				continue
			}
			if err := e.encode(v.Field(i)); err != nil {
				return fmt.Errorf("%s.%s: %w", t.Name(), f.Name, err)
			}
		}
	case reflect.Pointer:
		if v.IsNil() {
			return fmt.Errorf("cdr: cannot encode nil %s", v.Type())
		}
		return e.encode(v.Elem())
	default:
		return fmt.Errorf("cdr: unsupported kind %s", v.Kind())
	}
	return nil
}

type cdrDecoder struct {
	order binary.ByteOrder
	data  []byte
	off   int
}

func (d *cdrDecoder) take(n int) ([]byte, error) {
	if d.off+n > len(d.data) {
		return nil, malformed("need %d bytes at offset %d, have %d", n, d.off, len(d.data)-d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// aligned skips padding so the next read of size n is aligned.
func (d *cdrDecoder) aligned(n int) ([]byte, error) {
	if pad := (n - d.off%n) % n; pad > 0 {
		if _, err := d.take(pad); err != nil {
			return nil, err
		}
	}
	return d.take(n)
}

func (d *cdrDecoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *cdrDecoder) u16() (uint16, error) {
	b, err := d.aligned(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *cdrDecoder) u32() (uint32, error) {
	b, err := d.aligned(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *cdrDecoder) u64() (uint64, error) {
	b, err := d.aligned(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

// count reads a sequence length and rejects lengths that cannot fit in the
// remaining bytes, so a corrupt length never drives a huge allocation.
func (d *cdrDecoder) count(minElem int) (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if minElem > 0 && uint64(n)*uint64(minElem) > uint64(len(d.data)-d.off) {
		return 0, malformed("sequence of %d elements exceeds remaining %d bytes", n, len(d.data)-d.off)
	}
	return int(n), nil
}

func (d *cdrDecoder) decode(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		b, err := d.u8()
		if err != nil {
			return err
		}
		if b > 1 {
			return malformed("invalid bool 0x%02x at offset %d", b, d.off-1)
		}
		v.SetBool(b == 1)
	case reflect.Int8:
		b, err := d.u8()
		if err != nil {
			return err
		}
		v.SetInt(int64(int8(b)))
	case reflect.Uint8:
		b, err := d.u8()
		if err != nil {
			return err
		}
		v.SetUint(uint64(b))
	case reflect.Int16:
		x, err := d.u16()
		if err != nil {
			return err
		}
		v.SetInt(int64(int16(x)))
	case reflect.Uint16:
		x, err := d.u16()
		if err != nil {
			return err
		}
		v.SetUint(uint64(x))
	case reflect.Int32:
		x, err := d.u32()
		if err != nil {
			return err
		}
		v.SetInt(int64(int32(x)))
	case reflect.Uint32:
		x, err := d.u32()
		if err != nil {
			return err
		}
		v.SetUint(uint64(x))
	case reflect.Float32:
		x, err := d.u32()
		if err != nil {
			return err
		}
		v.SetFloat(float64(math.Float32frombits(x)))
	case reflect.Int64:
		x, err := d.u64()
		if err != nil {
			return err
		}
		v.SetInt(int64(x))
	case reflect.Uint64:
		x, err := d.u64()
		if err != nil {
			return err
		}
		v.SetUint(x)
	case reflect.Float64:
		x, err := d.u64()
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(x))
	case reflect.String:
		n, err := d.count(1)
		if err != nil {
			return err
		}
		if n == 0 {
			v.SetString("")
			return nil
		}
		b, err := d.take(n)
		if err != nil {
			return err
		}
		if b[n-1] != 0 {
			return malformed("string at offset %d is not NUL terminated", d.off-n)
		}
		v.SetString(string(b[:n-1]))
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := d.take(v.Len())
			if err != nil {
				return err
			}
			reflect.Copy(v, reflect.ValueOf(b))
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := d.decode(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Slice:
		elem := v.Type().Elem()
		n, err := d.count(minSize(elem))
		if err != nil {
			return err
		}
		if elem.Kind() == reflect.Uint8 {
			b, err := d.take(n)
			if err != nil {
				return err
			}
			out := reflect.MakeSlice(v.Type(), n, n)
			reflect.Copy(out, reflect.ValueOf(b))
			v.Set(out)
			return nil
		}
		out := reflect.MakeSlice(v.Type(), n, n)
		for i := 0; i < n; i++ {
			if err := d.decode(out.Index(i)); err != nil {
				return err
			}
		}
		v.Set(out)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("cdr") == "-" {
				continue
			}
			if err := d.decode(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Pointer:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return d.decode(v.Elem())
	default:
		return fmt.Errorf("cdr: unsupported kind %s", v.Kind())
	}
	return nil
}

// minSize is a lower bound on the encoded size of one element of t, without
// padding. Zero means "unknown", which disables the length guard.
func minSize(t reflect.Type) int {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32, reflect.String, reflect.Slice:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Float64:
		return 8
	case reflect.Array:
		return t.Len() * minSize(t.Elem())
	case reflect.Struct:
		total := 0
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.IsExported() && f.Tag.Get("cdr") != "-" {
				total += minSize(f.Type)
			}
		}
		return total
	}
	return 0
}
