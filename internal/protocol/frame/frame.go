package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed wire header: length(4) reserved(2) type(1) flags(1).
const HeaderLen = 8

const lengthPrefixLen = 4

var (
	ErrShortHeader    = errors.New("frame: short header")
	ErrLengthTooSmall = errors.New("frame: length smaller than header")
	ErrFrameTooLarge  = errors.New("frame: frame too large")
	ErrTruncated      = errors.New("frame: truncated frame")
)

// Header is the fixed wire header. Length counts the header itself.
type Header struct {
	Length uint32
	Type   uint8
	Flags  uint8
}

// Frame is one complete wire message split into header and body.
type Frame struct {
	Header Header
	Body   []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 16 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrameBytes == 0 {
		return DefaultLimits()
	}
	return l
}

// DecodeNext cuts one complete frame off the front of buf. When buf does not
// yet hold a whole frame it returns ok=false and consumes nothing. The returned
// frame slice aliases buf.
func DecodeNext(buf []byte, limits Limits) (raw []byte, rest []byte, ok bool, err error) {
	if len(buf) < lengthPrefixLen {
		return nil, buf, false, nil
	}
	length, err := checkLength(binary.BigEndian.Uint32(buf[:lengthPrefixLen]), limits)
	if err != nil {
		return nil, buf, false, err
	}
	if uint64(len(buf)) < uint64(length) {
		return nil, buf, false, nil
	}
	return buf[:length], buf[length:], true, nil
}

// Split parses the fixed header of one complete frame. The body aliases raw.
func Split(raw []byte) (Frame, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return Frame{}, err
	}
	if uint64(h.Length) != uint64(len(raw)) {
		return Frame{}, fmt.Errorf("frame: length %d does not match %d bytes", h.Length, len(raw))
	}
	return Frame{Header: h, Body: raw[HeaderLen:]}, nil
}

// Encode prepends the header to body. Length is computed; reserved bytes are zero.
func Encode(msgType uint8, flags uint8, body []byte, limits Limits) ([]byte, error) {
	total := uint64(HeaderLen) + uint64(len(body))
	if total > uint64(limits.withDefaults().MaxFrameBytes) {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, HeaderLen, total)
	copy(out, EncodeHeader(Header{Length: uint32(total), Type: msgType, Flags: flags}))
	return append(out, body...), nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Length)
	buf[6] = h.Type
	buf[7] = h.Flags
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Length: binary.BigEndian.Uint32(b[0:4]),
		Type:   b[6],
		Flags:  b[7],
	}
	if h.Length < HeaderLen {
		return Header{}, ErrLengthTooSmall
	}
	return h, nil
}

// ReadFrame reads exactly one frame from a plaintext stream.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var prefix [lengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	length, err := checkLength(binary.BigEndian.Uint32(prefix[:]), limits)
	if err != nil {
		return Frame{}, err
	}
	raw := make([]byte, length)
	copy(raw, prefix[:])
	if _, err := io.ReadFull(r, raw[lengthPrefixLen:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	return Split(raw)
}

func checkLength(length uint32, limits Limits) (uint32, error) {
	if length < HeaderLen {
		return 0, ErrLengthTooSmall
	}
	if length > limits.withDefaults().MaxFrameBytes {
		return 0, ErrFrameTooLarge
	}
	return length, nil
}
