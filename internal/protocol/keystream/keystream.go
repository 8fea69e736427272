// Package keystream owns the symmetric stream cipher applied to the agent
// session after the plaintext handshake.
//
// Both ends derive the same key and keep one keystream position per
// direction. Each byte sent or received advances its direction exactly once.
package keystream

import (
	"crypto/cipher"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MinKeyLen = 8
	MaxKeyLen = 256
)

var ErrKeyLength = errors.New("keystream: invalid key length")

// Stream is one direction of the keystream.
type Stream struct {
	c *rc4.Cipher
}

var _ cipher.Stream = (*Stream)(nil)

func New(key []byte) (*Stream, error) {
	if len(key) < 1 || len(key) > MaxKeyLen {
		return nil, fmt.Errorf("%w: %d", ErrKeyLength, len(key))
	}
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Stream{c: c}, nil
}

// XORKeyStream XORs src with the next len(src) keystream bytes into dst.
// dst and src may overlap entirely.
func (s *Stream) XORKeyStream(dst, src []byte) {
	s.c.XORKeyStream(dst, src)
}

// Apply transforms buf in place.
func (s *Stream) Apply(buf []byte) {
	s.c.XORKeyStream(buf, buf)
}

// Duplex pairs the outbound and inbound keystreams of one session. Both are
// seeded from the same key and advance independently.
type Duplex struct {
	Encrypt *Stream
	Decrypt *Stream
}

func NewDuplex(key []byte) (*Duplex, error) {
	enc, err := New(key)
	if err != nil {
		return nil, err
	}
	dec, err := New(key)
	if err != nil {
		return nil, err
	}
	return &Duplex{Encrypt: enc, Decrypt: dec}, nil
}

// Writer returns w wrapped so every written byte passes through Encrypt.
func (d *Duplex) Writer(w io.Writer) io.Writer {
	return cipher.StreamWriter{S: d.Encrypt, W: w}
}

// Reader returns r wrapped so every read byte passes through Decrypt.
func (d *Duplex) Reader(r io.Reader) io.Reader {
	return cipher.StreamReader{S: d.Decrypt, R: r}
}

// DeriveKey computes key[i] = secret[i] ^ id[i] ^ nonce[i] over the big-endian
// bytes of agentID and nonce. Secret bytes past index 7 pass through.
func DeriveKey(secret []byte, agentID uint64, nonce uint64) ([]byte, error) {
	if len(secret) < MinKeyLen || len(secret) > MaxKeyLen {
		return nil, fmt.Errorf("%w: secret is %d bytes", ErrKeyLength, len(secret))
	}
	var id, n [8]byte
	binary.BigEndian.PutUint64(id[:], agentID)
	binary.BigEndian.PutUint64(n[:], nonce)

	key := make([]byte, len(secret))
	copy(key, secret)
	for i := 0; i < 8; i++ {
		key[i] ^= id[i] ^ n[i]
	}
	return key, nil
}
