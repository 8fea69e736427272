package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/danmuck/fieldgate/internal/observability"
	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/protocol/frame"
	"github.com/danmuck/fieldgate/internal/protocol/keystream"
	"github.com/danmuck/fieldgate/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const readChunk = 32 * 1024

// State is the lifecycle position of one Conn.
type State int32

const (
	StateAwaitingHandshake State = iota
	StateRegistered
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateRegistered:
		return "registered"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateAwaitingHandshake; candidate <= StateClosed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("gateway: unknown state %q", text)
}

// Inbound is one parsed agent message tagged with its origin.
type Inbound struct {
	AgentID    protocol.AgentID `json:"agent_id"`
	ConnID     string           `json:"conn_id"`
	Version    int              `json:"version"`
	ReceivedAt time.Time        `json:"received_at"`
	Message    protocol.Message `json:"-"`
}

// Kind names the message kind carried by in.
func (in Inbound) Kind() string {
	if in.Message == nil {
		return ""
	}
	return in.Message.Type().String()
}

// Sink consumes inbound messages in wire order for one connection. Publish
// runs on the connection's dispatcher goroutine and may block; while it
// does, the reader stops taking frames off the socket. ctx is the context
// passed to Run.
type Sink interface {
	Publish(ctx context.Context, in Inbound)
}

type SinkFunc func(context.Context, Inbound)

func (f SinkFunc) Publish(ctx context.Context, in Inbound) { f(ctx, in) }

// ConnInfo is a point-in-time view of one Conn.
type ConnInfo struct {
	ConnID      string           `json:"conn_id"`
	AgentID     protocol.AgentID `json:"agent_id"`
	Remote      string           `json:"remote"`
	Version     int              `json:"version"`
	State       State            `json:"state"`
	ConnectedAt time.Time        `json:"connected_at"`
	FramesIn    uint64           `json:"frames_in"`
	FramesOut   uint64           `json:"frames_out"`
	BytesIn     uint64           `json:"bytes_in"`
	BytesOut    uint64           `json:"bytes_out"`
	Queued      int              `json:"queued"`
	Pause       PauseState       `json:"pause"`
}

// Conn is one agent session after a completed hello exchange.
type Conn struct {
	id      string
	netConn net.Conn
	remote  string
	agentID protocol.AgentID
	version int
	duplex  *keystream.Duplex
	cfg     session.Config
	sink    Sink
	log     zerolog.Logger

	state    atomic.Int32
	outgoing chan protocol.Message
	incoming chan Inbound
	pause    *pauseGate
	pending  []byte

	ctx       context.Context
	cancel    context.CancelCauseFunc
	closeOnce sync.Once
	done      chan struct{}

	connectedAt time.Time
	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
}

// NewConn keys the session from hs and secret. Bytes that arrived with the
// peer hello are decrypted here so they re-enter the framed read path
// first. A failure to key the cipher is fatal to the socket.
func NewConn(nc net.Conn, hs session.Result, secret []byte, cfg session.Config, sink Sink) (*Conn, error) {
	duplex, err := hs.Duplex(secret)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Conn{
		id:          uuid.NewString(),
		netConn:     nc,
		remote:      remoteAddr(nc),
		agentID:     protocol.AgentID(hs.AgentID),
		version:     hs.Version,
		duplex:      duplex,
		cfg:         cfg.WithDefaults(),
		sink:        sink,
		outgoing:    make(chan protocol.Message, 1),
		incoming:    make(chan Inbound, 1),
		pause:       newPauseGate(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	if len(hs.Rest) > 0 {
		c.pending = append([]byte(nil), hs.Rest...)
		c.duplex.Decrypt.Apply(c.pending)
		c.bytesIn.Add(uint64(len(c.pending)))
	}
	c.state.Store(int32(StateAwaitingHandshake))
	c.log = logging.Component("gateway.conn").With().
		Str("conn_id", c.id).
		Str("agent_id", c.agentID.String()).
		Str("remote", c.remote).
		Int("version", c.version).
		Logger()
	return c, nil
}

func remoteAddr(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) ID() string                { return c.id }
func (c *Conn) AgentID() protocol.AgentID { return c.agentID }
func (c *Conn) Version() int              { return c.version }
func (c *Conn) Remote() string            { return c.remote }
func (c *Conn) State() State              { return State(c.state.Load()) }

// Terminated is closed once termination has been requested.
func (c *Conn) Terminated() <-chan struct{} { return c.ctx.Done() }

// Done is closed after Run has released every resource.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the termination cause, or nil while the Conn is live.
func (c *Conn) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

func (c *Conn) markRegistered() bool {
	return c.state.CompareAndSwap(int32(StateAwaitingHandshake), int32(StateRegistered))
}

// Terminate requests an orderly close with cause. Outstanding Enqueue
// waiters return ErrConnectionClosed wrapping cause. Safe to call more than
// once; only the first cause is kept.
func (c *Conn) Terminate(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrConnectionClosed
		}
		if c.State() != StateClosed {
			c.state.Store(int32(StateTerminating))
		}
		c.cancel(cause)
		_ = c.netConn.Close()
		ev := c.log.Info()
		if errors.Is(cause, ErrProtocol) || errors.Is(cause, ErrWrite) {
			ev = c.log.Warn()
		}
		ev.Err(cause).Msg("gateway.conn terminating")
	})
}

// Enqueue hands msg to the writer. It blocks while the outgoing backlog is
// full and returns when the message is queued, the connection terminates,
// or ctx ends.
func (c *Conn) Enqueue(ctx context.Context, msg protocol.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidCommand)
	}
	if err := c.closedErr(); err != nil {
		return err
	}
	select {
	case c.outgoing <- msg:
		// Termination can race the send; a message queued on a
		// terminating Conn is discarded by finish.
		if err := c.closedErr(); err != nil {
			return err
		}
		return nil
	case <-c.ctx.Done():
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) closedErr() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, context.Cause(c.ctx))
}

// Run drives the reader, writer and dispatcher until termination. It must
// only be called after the registry accepted the Conn; otherwise the Conn is
// terminated with ErrNotRegistered. The returned error is the cause.
func (c *Conn) Run(ctx context.Context) error {
	defer c.finish()
	if c.State() != StateRegistered {
		c.Terminate(ErrNotRegistered)
		return c.Err()
	}
	stop := context.AfterFunc(ctx, func() { c.Terminate(ErrShutdown) })
	defer stop()

	c.log.Info().Msg("gateway.conn registered")
	var g errgroup.Group
	g.Go(c.readLoop)
	g.Go(c.writeLoop)
	g.Go(func() error { return c.dispatchLoop(ctx) })
	_ = g.Wait()
	return c.Err()
}

func (c *Conn) finish() {
	dropped := 0
drain:
	for {
		select {
		case <-c.outgoing:
			dropped++
		default:
			break drain
		}
	}
	if dropped > 0 {
		observability.RecordDroppedOutbound(dropped)
		c.log.Info().Int("dropped", dropped).Msg("gateway.conn discarded queued messages")
	}
	c.state.Store(int32(StateClosed))
	close(c.done)
}

func (c *Conn) readLoop() error {
	buf := c.pending
	c.pending = nil
	buf, err := c.drainFrames(buf)
	if err != nil {
		c.Terminate(err)
		return err
	}
	chunk := make([]byte, readChunk)
	for {
		if c.cfg.IdleTimeout > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		n, rerr := c.netConn.Read(chunk)
		if n > 0 {
			c.duplex.Decrypt.Apply(chunk[:n])
			c.bytesIn.Add(uint64(n))
			buf = append(buf, chunk[:n]...)
			buf, err = c.drainFrames(buf)
			if err != nil {
				c.Terminate(err)
				return err
			}
		}
		if rerr != nil {
			cause := c.readError(rerr)
			c.Terminate(cause)
			return cause
		}
	}
}

func (c *Conn) readError(err error) error {
	if c.ctx.Err() != nil {
		return context.Cause(c.ctx)
	}
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("gateway: idle timeout after %s: %w", c.cfg.IdleTimeout, err)
	}
	return fmt.Errorf("gateway: read: %w", err)
}

// drainFrames parses every complete frame at the front of buf and returns
// the unconsumed tail.
func (c *Conn) drainFrames(buf []byte) ([]byte, error) {
	for {
		raw, rest, ok, err := frame.DecodeNext(buf, c.cfg.Limits)
		if err != nil {
			observability.RecordProtocolError("frame")
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if !ok {
			return buf, nil
		}
		buf = rest
		if err := c.handleFrame(raw); err != nil {
			return nil, err
		}
	}
}

func (c *Conn) handleFrame(raw []byte) error {
	msg, err := protocol.Parse(raw, c.version)
	if err != nil {
		var unknown protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			observability.RecordUnknownFrame()
			c.log.Info().
				Str("type", fmt.Sprintf("%#02x", uint8(unknown.Type))).
				Int("length", len(raw)).
				Msg("gateway.conn skipped unknown message type")
			return nil
		}
		observability.RecordProtocolError("decode")
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	d := protocol.DescriptorOf(msg)
	c.framesIn.Add(1)
	observability.RecordFrame("in", d.Name)
	if d.ResumeAfterReceive && c.pause.release() {
		c.log.Debug().Str("trigger", d.Name).Msg("gateway.conn resumed")
	}
	in := Inbound{
		AgentID:    c.agentID,
		ConnID:     c.id,
		Version:    c.version,
		ReceivedAt: time.Now(),
		Message:    msg,
	}
	select {
	case c.incoming <- in:
		return nil
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	}
}

func (c *Conn) writeLoop() error {
	for {
		if err := c.pause.wait(c.ctx); err != nil {
			return nil
		}
		var msg protocol.Message
		select {
		case <-c.ctx.Done():
			return nil
		case msg = <-c.outgoing:
		}
		if err := c.write(msg); err != nil {
			c.Terminate(err)
			return err
		}
	}
}

func (c *Conn) write(msg protocol.Message) error {
	raw, err := protocol.Serialise(msg, c.version, c.cfg.Limits)
	if err != nil {
		observability.RecordProtocolError("encode")
		c.log.Warn().Err(err).Str("type", msg.Type().String()).Msg("gateway.conn dropped unencodable message")
		return nil
	}
	d := protocol.DescriptorOf(msg)
	// Armed before the write so an acknowledgement racing the write's
	// completion is observed.
	if d.PauseAfterSend {
		c.pause.arm(d.Type)
	}
	c.duplex.Encrypt.Apply(raw)
	if c.cfg.WriteTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.netConn.Write(raw); err != nil {
		if c.ctx.Err() != nil {
			return context.Cause(c.ctx)
		}
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(uint64(len(raw)))
	observability.RecordFrame("out", d.Name)
	if d.PauseAfterSend {
		c.log.Debug().Str("type", d.Name).Msg("gateway.conn paused")
	}
	return nil
}

// dispatchLoop hands parsed messages to the sink. Messages parsed before
// termination are still delivered; only ctx abandons them.
func (c *Conn) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case in := <-c.incoming:
			c.publish(ctx, in)
		case <-c.ctx.Done():
			for {
				select {
				case in := <-c.incoming:
					c.publish(ctx, in)
				default:
					return nil
				}
			}
		}
	}
}

func (c *Conn) publish(ctx context.Context, in Inbound) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(ctx, in)
}

// Info snapshots counters and state.
func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ConnID:      c.id,
		AgentID:     c.agentID,
		Remote:      c.remote,
		Version:     c.version,
		State:       c.State(),
		ConnectedAt: c.connectedAt,
		FramesIn:    c.framesIn.Load(),
		FramesOut:   c.framesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		Queued:      len(c.outgoing),
		Pause:       c.pause.state(),
	}
}
