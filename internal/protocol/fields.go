package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// Epoch is the zero point of every wire timestamp.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	versionExtraLen = 12
	versionWireLen  = 3 + versionExtraLen
	eventTextLen    = 128
)

// TimeFromWire converts seconds since Epoch to UTC time.
func TimeFromWire(sec uint32) time.Time {
	return Epoch.Add(time.Duration(sec) * time.Second)
}

// TimeToWire converts t to seconds since Epoch, truncating sub-second precision.
func TimeToWire(t time.Time) (uint32, error) {
	sec := t.Unix() - Epoch.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s", ErrTimestampRange, t.UTC().Format(time.RFC3339))
	}
	return uint32(sec), nil
}

// bodyReader walks one frame body. The first read past the end latches
// ErrBodyOverrun and every later read returns zero values.
type bodyReader struct {
	buf []byte
	off int
	err error
}

func newBodyReader(body []byte) *bodyReader {
	return &bodyReader{buf: body}
}

func (r *bodyReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrBodyOverrun, n, r.off, r.remaining())
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *bodyReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) i8() int8 { return int8(r.u8()) }

func (r *bodyReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *bodyReader) i16() int16 { return int16(r.u16()) }

func (r *bodyReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *bodyReader) i32() int32 { return int32(r.u32()) }

func (r *bodyReader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// count validates an element count against the bytes left so a hostile count
// cannot force a large allocation before the overrun is noticed.
func (r *bodyReader) count(n uint32, minRecord int) int {
	if r.err != nil {
		return 0
	}
	if minRecord > 0 && uint64(n)*uint64(minRecord) > uint64(r.remaining()) {
		r.err = fmt.Errorf("%w: %d records of %d bytes at offset %d, have %d",
			ErrBodyOverrun, n, minRecord, r.off, r.remaining())
		return 0
	}
	return int(n)
}

func (r *bodyReader) timestamp() time.Time {
	return TimeFromWire(r.u32())
}

func (r *bodyReader) cString(width int) string {
	b := r.take(width)
	if b == nil {
		return ""
	}
	return decodeCString(b)
}

func (r *bodyReader) version() Version {
	return Version{
		Major:    r.u8(),
		Minor:    r.u8(),
		Revision: r.u8(),
		Extra:    r.cString(versionExtraLen),
	}
}

func (r *bodyReader) meter(version int) Meter {
	if version < 2 {
		return Meter{ID: r.i64()}
	}
	return Meter{ConnectionType: r.i8(), ID: r.i64()}
}

func (r *bodyReader) bytesN(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// bodyWriter accumulates one frame body. The first failure latches.
type bodyWriter struct {
	buf []byte
	err error
}

func (w *bodyWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *bodyWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *bodyWriter) i8(v int8)    { w.u8(uint8(v)) }
func (w *bodyWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *bodyWriter) i16(v int16)  { w.u16(uint16(v)) }
func (w *bodyWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *bodyWriter) i32(v int32)  { w.u32(uint32(v)) }
func (w *bodyWriter) i64(v int64)  { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }
func (w *bodyWriter) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *bodyWriter) count16(n int) {
	if n > math.MaxUint16 {
		w.fail(fmt.Errorf("%w: %d > %d", ErrCountOverflow, n, math.MaxUint16))
		return
	}
	w.u16(uint16(n))
}

func (w *bodyWriter) count32(n int) {
	if uint64(n) > math.MaxUint32 {
		w.fail(fmt.Errorf("%w: %d > %d", ErrCountOverflow, n, uint64(math.MaxUint32)))
		return
	}
	w.u32(uint32(n))
}

func (w *bodyWriter) timestamp(t time.Time) {
	sec, err := TimeToWire(t)
	if err != nil {
		w.fail(err)
		return
	}
	w.u32(sec)
}

func (w *bodyWriter) cString(s string, width int) {
	field, err := encodeCString(s, width)
	if err != nil {
		w.fail(err)
		return
	}
	w.raw(field)
}

func (w *bodyWriter) version(v Version) {
	w.u8(v.Major)
	w.u8(v.Minor)
	w.u8(v.Revision)
	w.cString(v.Extra, versionExtraLen)
}

func (w *bodyWriter) meter(m Meter, version int) {
	if version >= 2 {
		w.i8(m.ConnectionType)
	}
	w.i64(m.ID)
}

// decodeCString truncates at the first NUL and decodes the prefix as ISO-8859-1.
func decodeCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		// Every byte maps to a code point in ISO-8859-1.
		return string(b)
	}
	return string(out)
}

// encodeCString renders s as ISO-8859-1 padded with NUL to width bytes.
func encodeCString(s string, width int) ([]byte, error) {
	enc, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrStringEncoding, s)
	}
	if len(enc) > width {
		return nil, fmt.Errorf("%w: %d > %d", ErrStringTooLong, len(enc), width)
	}
	out := make([]byte, width)
	copy(out, enc)
	return out, nil
}
