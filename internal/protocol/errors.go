package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed          = errors.New("protocol: malformed body")
	ErrBodyOverrun        = fmt.Errorf("%w: read past end of body", ErrMalformed)
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnknownType        = errors.New("protocol: unknown message type")
	ErrTimestampRange     = errors.New("protocol: timestamp out of range")
	ErrStringTooLong      = errors.New("protocol: string exceeds field width")
	ErrStringEncoding     = errors.New("protocol: string not representable in ISO-8859-1")
	ErrCountOverflow      = errors.New("protocol: element count exceeds field width")
)

// UnknownTypeError reports a frame whose type tag has no decoder at the
// negotiated version. The frame is skippable; the stream stays valid.
type UnknownTypeError struct {
	Type    MessageType
	Version int
}

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type %#02x at version %d", uint8(e.Type), e.Version)
}

func (e UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}

// VersionError reports a message kind that cannot be encoded or decoded at a
// protocol version.
type VersionError struct {
	Kind    string
	Version int
}

func (e VersionError) Error() string {
	return fmt.Sprintf("protocol: %s not supported at version %d", e.Kind, e.Version)
}

func (e VersionError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}
