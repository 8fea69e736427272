// Package agent is the field-agent side of the gateway protocol: dial,
// hello exchange and ciphered framed I/O, plus a simulator that reports
// meter state and acknowledges configuration.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/protocol/frame"
	"github.com/danmuck/fieldgate/internal/protocol/keystream"
	"github.com/danmuck/fieldgate/internal/protocol/session"
	"github.com/rs/zerolog"
)

const readChunk = 32 * 1024

var (
	ErrGatewayAddressRequired = errors.New("agent: gateway address required")
	ErrAgentIDRequired        = errors.New("agent: agent_id required")
	ErrSessionClosed          = errors.New("agent: gateway session closed")
)

type ClientConfig struct {
	Address            string
	AgentID            protocol.AgentID
	ProtocolVersion    int
	Secret             []byte
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ProtocolVersion: protocol.CurrentVersion,
		Session:         session.DefaultConfig(),
	}
}

type Client struct {
	cfg ClientConfig
	rng *rand.Rand
	log zerolog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrGatewayAddressRequired
	}
	if cfg.AgentID == 0 {
		return nil, ErrAgentIDRequired
	}
	if n := len(cfg.Secret); n < keystream.MinKeyLen || n > keystream.MaxKeyLen {
		return nil, fmt.Errorf("%w: secret is %d bytes", keystream.ErrKeyLength, n)
	}
	if cfg.ProtocolVersion <= 0 {
		cfg.ProtocolVersion = protocol.CurrentVersion
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: logging.Component("agent.client").With().Str("agent_id", cfg.AgentID.String()).Logger(),
	}, nil
}

func (c *Client) Config() ClientConfig { return c.cfg }

// Connect dials the gateway, runs the hello exchange and returns a keyed
// session. Dial and handshake failures are retried with backoff until
// MaxConnectAttempts (0 retries forever) or ctx ends. A gateway that
// supports only an older version refuses every attempt, so
// session.ErrVersionRefused is returned without retrying.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	backoff := session.NewBackoff(c.cfg.Session.Backoff, c.rng)
	for {
		sess, err := c.connectOnce(ctx)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, session.ErrVersionRefused) {
			c.log.Error().Int("version", c.cfg.ProtocolVersion).Str("addr", c.cfg.Address).Err(err).Msg("agent.client gateway refuses protocol version")
			return nil, err
		}
		attempt := backoff.Attempts() + 1
		c.log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("agent.client connect failed")
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := sleepContext(ctx, backoff.Next()); err != nil {
			return nil, err
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) (*Session, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	hs, err := session.ClientHandshake(conn, c.cfg.ProtocolVersion, uint64(c.cfg.AgentID))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	sess, err := NewSession(conn, hs, c.cfg.Secret, c.cfg.Session)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log.Info().Int("version", sess.Version()).Str("addr", c.cfg.Address).Msg("agent.client connected")
	return sess, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Session is one keyed agent connection. Send and Receive may run
// concurrently with each other.
type Session struct {
	conn    net.Conn
	version int
	cfg     session.Config
	duplex  *keystream.Duplex
	log     zerolog.Logger

	writeMu sync.Mutex

	readMu sync.Mutex
	buf    []byte
	chunk  []byte
}

// NewSession keys conn from a completed hello exchange. Ciphered bytes that
// followed the server hello are decrypted into the read buffer.
func NewSession(conn net.Conn, hs session.Result, secret []byte, cfg session.Config) (*Session, error) {
	duplex, err := hs.Duplex(secret)
	if err != nil {
		return nil, err
	}
	s := &Session{
		conn:    conn,
		version: hs.Version,
		cfg:     cfg.WithDefaults(),
		duplex:  duplex,
		chunk:   make([]byte, readChunk),
		log:     logging.Component("agent.session").With().Str("agent_id", protocol.AgentID(hs.AgentID).String()).Logger(),
	}
	if len(hs.Rest) > 0 {
		s.buf = append(s.buf, hs.Rest...)
		s.duplex.Decrypt.Apply(s.buf)
	}
	return s, nil
}

func (s *Session) Version() int           { return s.version }
func (s *Session) LocalAddr() net.Addr    { return s.conn.LocalAddr() }
func (s *Session) Close() error           { return s.conn.Close() }
func (s *Session) Limits() frame.Limits   { return s.cfg.Limits }
func (s *Session) Config() session.Config { return s.cfg }

// Send serialises m at the negotiated version and writes it.
func (s *Session) Send(ctx context.Context, m protocol.Message) error {
	raw, err := protocol.Serialise(m, s.version, s.cfg.Limits)
	if err != nil {
		return err
	}
	return s.SendRaw(ctx, raw)
}

// SendRaw encrypts and writes plaintext wire bytes as-is. Consecutive calls
// continue one keystream, so a frame may be split across calls.
func (s *Session) SendRaw(ctx context.Context, plain []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	out := make([]byte, len(plain))
	s.duplex.Encrypt.XORKeyStream(out, plain)
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return nil
}

// Receive returns the next message the gateway sent. Frames of unknown
// type are skipped.
func (s *Session) Receive(ctx context.Context) (protocol.Message, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()
	_ = s.conn.SetReadDeadline(time.Time{})
	for {
		raw, rest, ok, err := frame.DecodeNext(s.buf, s.cfg.Limits)
		if err != nil {
			return nil, err
		}
		if ok {
			s.buf = rest
			msg, err := protocol.Parse(raw, s.version)
			if err != nil {
				if errors.Is(err, protocol.ErrUnknownType) {
					s.log.Debug().Err(err).Msg("agent.session skipped frame")
					continue
				}
				return nil, err
			}
			return msg, nil
		}
		n, rerr := s.conn.Read(s.chunk)
		if n > 0 {
			s.duplex.Decrypt.Apply(s.chunk[:n])
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if n > 0 {
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrSessionClosed, rerr)
		}
	}
}
