package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/fieldgate/internal/protocol/keystream"
)

// HelloLen is the size of the plaintext prologue each side sends:
// version(4) then nonce or agent id(8).
const HelloLen = 12

const helloReadChunk = 4096

var (
	ErrVersionRefused       = errors.New("session: peer version refused")
	ErrHandshakeIncomplete  = errors.New("session: handshake incomplete")
	ErrHandshakeInterrupted = errors.New("session: peer closed during handshake")
)

// Hello is one side's prologue. Value carries the server nonce or the
// agent identity depending on direction.
type Hello struct {
	Version int32
	Value   uint64
}

func (h Hello) Encode() []byte {
	buf := make([]byte, HelloLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Version))
	binary.BigEndian.PutUint64(buf[4:12], h.Value)
	return buf
}

func DecodeHello(b []byte) (Hello, error) {
	if len(b) < HelloLen {
		return Hello{}, fmt.Errorf("%w: %d of %d bytes", ErrHandshakeIncomplete, len(b), HelloLen)
	}
	return Hello{
		Version: int32(binary.BigEndian.Uint32(b[0:4])),
		Value:   binary.BigEndian.Uint64(b[4:12]),
	}, nil
}

// ReadHello reads until one hello is buffered. Bytes that arrived in the same
// reads past the hello are returned in rest; they belong to the ciphered
// stream.
func ReadHello(r io.Reader) (Hello, []byte, error) {
	buf := make([]byte, 0, helloReadChunk)
	chunk := make([]byte, helloReadChunk)
	for len(buf) < HelloLen {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if len(buf) >= HelloLen {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Hello{}, nil, fmt.Errorf("%w after %d bytes", ErrHandshakeInterrupted, len(buf))
			}
			return Hello{}, nil, err
		}
	}
	h, err := DecodeHello(buf)
	if err != nil {
		return Hello{}, nil, err
	}
	var rest []byte
	if len(buf) > HelloLen {
		rest = append([]byte(nil), buf[HelloLen:]...)
	}
	return h, rest, nil
}

// NegotiateServer accepts peer versions in [1, own] and returns min(own, peer).
func NegotiateServer(own int, peer int32) (int, error) {
	if peer <= 0 || int64(peer) > int64(own) {
		return 0, fmt.Errorf("%w: peer=%d own=%d", ErrVersionRefused, peer, own)
	}
	return min(own, int(peer)), nil
}

// NegotiateClient checks the server hello against own. A server below own
// closes the connection after reading the agent hello, so the client
// reports that refusal itself instead of waiting for the close. The
// negotiated version is always own.
func NegotiateClient(own int, server int32) (int, error) {
	if server <= 0 || int64(server) < int64(own) {
		return 0, fmt.Errorf("%w: server=%d own=%d", ErrVersionRefused, server, own)
	}
	return own, nil
}

// NewNonce draws a server nonce from crypto/rand.
func NewNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("session: nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Result is a completed hello exchange.
type Result struct {
	Version int
	AgentID uint64
	Nonce   uint64
	// Rest holds ciphered bytes read together with the peer hello.
	Rest []byte
}

// Duplex keys both keystream directions from secret. Calling it on a nil
// Result is a programming error reported as ErrHandshakeIncomplete.
func (r *Result) Duplex(secret []byte) (*keystream.Duplex, error) {
	if r == nil || r.Version == 0 {
		return nil, ErrHandshakeIncomplete
	}
	key, err := keystream.DeriveKey(secret, r.AgentID, r.Nonce)
	if err != nil {
		return nil, err
	}
	return keystream.NewDuplex(key)
}

// ServerHandshake sends the server hello and reads the agent hello. On
// refusal nothing beyond the server hello is written.
func ServerHandshake(rw io.ReadWriter, own int, nonce uint64) (Result, error) {
	if _, err := rw.Write(Hello{Version: int32(own), Value: nonce}.Encode()); err != nil {
		return Result{}, fmt.Errorf("session: write hello: %w", err)
	}
	peer, rest, err := ReadHello(rw)
	if err != nil {
		return Result{}, err
	}
	version, err := NegotiateServer(own, peer.Version)
	if err != nil {
		return Result{}, err
	}
	return Result{Version: version, AgentID: peer.Value, Nonce: nonce, Rest: rest}, nil
}

// ClientHandshake sends the agent hello and reads the server hello.
func ClientHandshake(rw io.ReadWriter, own int, agentID uint64) (Result, error) {
	if _, err := rw.Write(Hello{Version: int32(own), Value: agentID}.Encode()); err != nil {
		return Result{}, fmt.Errorf("session: write hello: %w", err)
	}
	server, rest, err := ReadHello(rw)
	if err != nil {
		return Result{}, err
	}
	version, err := NegotiateClient(own, server.Version)
	if err != nil {
		return Result{}, err
	}
	return Result{Version: version, AgentID: agentID, Nonce: server.Value, Rest: rest}, nil
}
