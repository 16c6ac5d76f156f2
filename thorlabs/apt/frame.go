package apt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// messages are encoded as a six byte header, optionally followed by a payload
//
//	| byte 0 | byte 1 | byte 2  | byte 3  | byte 4 | byte 5 |
//	|  message id     | param 1 | param 2 |  dest  | source |   fixed
//	|  message id     | payload length    |  dest  | source |   variable
//
// the id and the length are little endian.  The destination of a variable
// frame carries 0x80.
const headerSize = 6

var (
	byteOrder = binary.LittleEndian

	// errIncomplete is returned by Deframer.Next when more bytes are needed
	errIncomplete = errors.New("apt: incomplete frame")
)

// Value holds the value of one payload field.  Numeric fields use Num,
// Char fields use Raw.
type Value struct {
	Num int64
	Raw []byte
}

// Num makes a numeric Value
func Num(v int64) Value {
	return Value{Num: v}
}

// Raw makes a Value for a Char field
func Raw(b []byte) Value {
	return Value{Raw: b}
}

// Frame is one decoded unit off the wire.  Param1 and Param2 are meaningful
// for fixed frames, Data for variable frames.  Frames should be treated as
// immutable.
type Frame struct {
	ID     MessageID
	Dest   Address
	Source Address
	Param1 byte
	Param2 byte
	Data   []byte
}

// FrameError describes bytes the Deframer threw away while resynchronizing
type FrameError struct {
	Err       error
	Discarded []byte
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v, discarded % X", e.Err, e.Discarded)
}

// Unwrap returns the framing error that caused the discard
func (e *FrameError) Unwrap() error {
	return e.Err
}

// Kind returns the catalogue entry for the frame
func (f Frame) Kind() *Kind {
	k, _ := Lookup(f.ID)
	return k
}

// Shape returns the physical shape of the frame
func (f Frame) Shape() Shape {
	if k, ok := Lookup(f.ID); ok {
		return k.Shape
	}
	return Fixed
}

func (f Frame) String() string {
	if f.Shape() == Fixed {
		return fmt.Sprintf("%s %s->%s [%02X %02X]", f.ID, f.Source, f.Dest, f.Param1, f.Param2)
	}
	return fmt.Sprintf("%s %s->%s [% X]", f.ID, f.Source, f.Dest, f.Data)
}

func checkRange(f Field, v Value) error {
	if f.Type == Char {
		if v.Num != 0 || len(v.Raw) > f.Size {
			return fmt.Errorf("%w: field %s takes at most %d bytes of text", ErrSchemaViolation, f.Name, f.Size)
		}
		return nil
	}
	if v.Raw != nil {
		return fmt.Errorf("%w: field %s is numeric", ErrSchemaViolation, f.Name)
	}
	var lo, hi int64
	switch f.Type {
	case Byte:
		lo, hi = 0, math.MaxUint8
	case Word:
		lo, hi = 0, math.MaxUint16
	case Short:
		lo, hi = math.MinInt16, math.MaxInt16
	case DWord:
		lo, hi = 0, math.MaxUint32
	case Long:
		lo, hi = math.MinInt32, math.MaxInt32
	}
	if v.Num < lo || v.Num > hi {
		return fmt.Errorf("%w: field %s value %d outside [%d,%d]", ErrSchemaViolation, f.Name, v.Num, lo, hi)
	}
	return nil
}

func put(f Field, v Value, b []byte) {
	switch f.Type {
	case Byte:
		b[0] = byte(v.Num)
	case Word, Short:
		byteOrder.PutUint16(b, uint16(v.Num))
	case DWord, Long:
		byteOrder.PutUint32(b, uint32(v.Num))
	case Char:
		copy(b, v.Raw)
	}
}

func get(f Field, b []byte) Value {
	switch f.Type {
	case Byte:
		return Num(int64(b[0]))
	case Word:
		return Num(int64(byteOrder.Uint16(b)))
	case Short:
		return Num(int64(int16(byteOrder.Uint16(b))))
	case DWord:
		return Num(int64(byteOrder.Uint32(b)))
	case Long:
		return Num(int64(int32(byteOrder.Uint32(b))))
	}
	raw := make([]byte, f.Size)
	copy(raw, b)
	return Raw(raw)
}

func checkEndpoints(dest, src Address) error {
	if _, err := Validate(byte(dest)); err != nil {
		return err
	}
	if _, err := Validate(byte(src)); err != nil {
		return err
	}
	if dest == src {
		return fmt.Errorf("%w: frame addressed from %s to itself", ErrInvalidAddress, src)
	}
	return nil
}

// NewFrame builds a frame for message id, validating the addresses and the
// values against the catalogue.  Exactly one value must be given per schema
// field.
func NewFrame(id MessageID, dest, src Address, vals ...Value) (Frame, error) {
	k, ok := Lookup(id)
	if !ok {
		return Frame{}, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageID, uint16(id))
	}
	if err := checkEndpoints(dest, src); err != nil {
		return Frame{}, err
	}
	if len(vals) != len(k.Schema) {
		return Frame{}, fmt.Errorf("%w: %s takes %d values, got %d", ErrSchemaViolation, k.Name, len(k.Schema), len(vals))
	}
	for i, f := range k.Schema {
		if err := checkRange(f, vals[i]); err != nil {
			return Frame{}, err
		}
	}
	fr := Frame{ID: id, Dest: dest, Source: src}
	if k.Shape == Fixed {
		fr.Param1 = byte(vals[0].Num)
		fr.Param2 = byte(vals[1].Num)
		return fr, nil
	}
	fr.Data = make([]byte, k.Length())
	off := 0
	for i, f := range k.Schema {
		put(f, vals[i], fr.Data[off:off+f.Size])
		off += f.Size
	}
	return fr, nil
}

// Bytes serializes the frame
func (f Frame) Bytes() []byte {
	shape := f.Shape()
	out := make([]byte, headerSize+len(f.Data))
	byteOrder.PutUint16(out, uint16(f.ID))
	if shape == Fixed {
		out[2] = f.Param1
		out[3] = f.Param2
	} else {
		byteOrder.PutUint16(out[2:], uint16(len(f.Data)))
		copy(out[headerSize:], f.Data)
	}
	out[4] = FormatDest(f.Dest, shape)
	out[5] = byte(f.Source)
	return out
}

// Encode builds and serializes a frame in one step
func Encode(id MessageID, dest, src Address, vals ...Value) ([]byte, error) {
	f, err := NewFrame(id, dest, src, vals...)
	if err != nil {
		return nil, err
	}
	return f.Bytes(), nil
}

// Values unpacks the frame according to its schema
func (f Frame) Values() ([]Value, error) {
	k, ok := Lookup(f.ID)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageID, uint16(f.ID))
	}
	if k.Shape == Fixed {
		return []Value{Num(int64(f.Param1)), Num(int64(f.Param2))}, nil
	}
	if len(f.Data) != k.Length() {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, schema needs %d", ErrSchemaViolation, k.Name, len(f.Data), k.Length())
	}
	out := make([]Value, len(k.Schema))
	off := 0
	for i, fld := range k.Schema {
		out[i] = get(fld, f.Data[off:off+fld.Size])
		off += fld.Size
	}
	return out, nil
}

// parseHeader validates a six byte header and returns the kind and the
// total length of the frame it announces
func parseHeader(h []byte) (*Kind, int, error) {
	id := MessageID(byteOrder.Uint16(h))
	k, ok := Lookup(id)
	if !ok {
		return nil, 0, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageID, uint16(id))
	}
	if marked := h[4]&variableMarker != 0; marked != (k.Shape == Variable) {
		return nil, 0, fmt.Errorf("%w: %s (%s) with destination byte 0x%02X", ErrMalformedAddressBit, k.Name, k.Shape, h[4])
	}
	if _, _, err := StripDest(h[4]); err != nil {
		return nil, 0, err
	}
	if _, err := Validate(h[5]); err != nil {
		return nil, 0, err
	}
	if k.Shape == Fixed {
		return k, headerSize, nil
	}
	n := int(byteOrder.Uint16(h[2:]))
	switch {
	case n < k.Length():
		return nil, 0, fmt.Errorf("%w: %s announced %d payload bytes, schema has %d", ErrTruncatedFrame, k.Name, n, k.Length())
	case n > k.Length():
		return nil, 0, fmt.Errorf("%w: %s announced %d payload bytes, schema has %d", ErrTrailingBytes, k.Name, n, k.Length())
	}
	return k, headerSize + n, nil
}

// Decode decodes exactly one frame from b
func Decode(b []byte) (Frame, error) {
	if len(b) < 2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTruncatedFrame, len(b))
	}
	if _, ok := Lookup(MessageID(byteOrder.Uint16(b))); !ok {
		return Frame{}, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageID, byteOrder.Uint16(b))
	}
	if len(b) < headerSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTruncatedFrame, len(b))
	}
	k, total, err := parseHeader(b[:headerSize])
	if err != nil {
		return Frame{}, err
	}
	if len(b) < total {
		return Frame{}, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncatedFrame, k.Name, total, len(b))
	}
	if len(b) > total {
		return Frame{}, fmt.Errorf("%w: %d extra", ErrTrailingBytes, len(b)-total)
	}
	dest, _, _ := StripDest(b[4])
	f := Frame{ID: k.ID, Dest: dest, Source: Address(b[5])}
	if k.Shape == Fixed {
		f.Param1 = b[2]
		f.Param2 = b[3]
		return f, nil
	}
	f.Data = make([]byte, total-headerSize)
	copy(f.Data, b[headerSize:total])
	return f, nil
}

// maxBuffered bounds the bytes a Deframer holds while waiting for a frame
// to complete.  The largest catalogue frame is 90 bytes.
const maxBuffered = 4096

// Deframer reassembles frames from a byte stream.  Bytes which cannot start
// a valid frame are discarded until the stream resynchronizes on the next
// plausible header.  It is not safe for concurrent use.
type Deframer struct {
	buf []byte
}

// Write appends bytes read from the stream
func (d *Deframer) Write(p []byte) {
	d.buf = append(d.buf, p...)
	if len(d.buf) > maxBuffered {
		d.buf = d.buf[len(d.buf)-maxBuffered:]
	}
}

// Buffered returns the number of bytes waiting to be framed
func (d *Deframer) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame.  It returns errIncomplete when more
// bytes are needed, and a *FrameError after throwing away junk.
func (d *Deframer) Next() (Frame, error) {
	if len(d.buf) < headerSize {
		return Frame{}, errIncomplete
	}
	_, total, err := parseHeader(d.buf[:headerSize])
	if err != nil {
		return Frame{}, d.resync(err)
	}
	if len(d.buf) < total {
		return Frame{}, errIncomplete
	}
	f, err := Decode(d.buf[:total])
	if err != nil {
		return Frame{}, d.resync(err)
	}
	d.consume(total)
	return f, nil
}

// resync drops bytes up to the next offset holding a plausible header.  If
// none is found, the last partial header is kept since it may be completed by
// the next read.
func (d *Deframer) resync(cause error) error {
	i := 1
	for ; i+headerSize <= len(d.buf); i++ {
		if _, _, err := parseHeader(d.buf[i : i+headerSize]); err == nil {
			break
		}
	}
	if i > len(d.buf) {
		i = len(d.buf)
	}
	discarded := make([]byte, i)
	copy(discarded, d.buf[:i])
	d.consume(i)
	return &FrameError{Err: cause, Discarded: discarded}
}

func (d *Deframer) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
