package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/protocol/keystream"
	"github.com/danmuck/fieldgate/internal/protocol/session"
	"github.com/danmuck/fieldgate/internal/testutil/testlog"
	"github.com/danmuck/fieldgate/internal/testutil/wait"
)

const (
	testAgentID = protocol.AgentID(0x0a0b0c0d0e0f)
	testTimeout = 2 * time.Second
)

var testSecret = []byte("agent-test-secret")

// fakeGateway accepts agents with the real hello exchange. The gateway
// side reuses Session since keyed framing is symmetric.
type fakeGateway struct {
	addr     string
	accepts  atomic.Int32
	sessions chan *Session

	mu   sync.Mutex
	open []*Session
}

// startFakeGateway serves version on loopback. The first drop
// connections are closed before the server hello.
func startFakeGateway(t *testing.T, version int, drop int32) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{addr: ln.Addr().String(), sessions: make(chan *Session, 4)}
	t.Cleanup(func() {
		_ = ln.Close()
		g.mu.Lock()
		defer g.mu.Unlock()
		for _, sess := range g.open {
			_ = sess.Close()
		}
	})
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			if g.accepts.Add(1) <= drop {
				_ = nc.Close()
				continue
			}
			hs, err := session.ServerHandshake(nc, version, 0x1122334455667788)
			if err != nil {
				_ = nc.Close()
				continue
			}
			sess, err := NewSession(nc, hs, testSecret, session.DefaultConfig())
			if err != nil {
				_ = nc.Close()
				continue
			}
			g.mu.Lock()
			g.open = append(g.open, sess)
			g.mu.Unlock()
			g.sessions <- sess
		}
	}()
	return g
}

func testClientConfig(addr string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Address = addr
	cfg.AgentID = testAgentID
	cfg.Secret = testSecret
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: 20 * time.Millisecond}
	return cfg
}

func TestNewClientValidates(t *testing.T) {
	testlog.Start(t)
	cfg := testClientConfig("")
	if _, err := NewClient(cfg); !errors.Is(err, ErrGatewayAddressRequired) {
		t.Fatalf("expected ErrGatewayAddressRequired, got %v", err)
	}
	cfg = testClientConfig("127.0.0.1:1")
	cfg.AgentID = 0
	if _, err := NewClient(cfg); !errors.Is(err, ErrAgentIDRequired) {
		t.Fatalf("expected ErrAgentIDRequired, got %v", err)
	}
	cfg = testClientConfig("127.0.0.1:1")
	cfg.Secret = []byte("short")
	if _, err := NewClient(cfg); !errors.Is(err, keystream.ErrKeyLength) {
		t.Fatalf("expected ErrKeyLength, got %v", err)
	}
	cfg = testClientConfig("127.0.0.1:1")
	cfg.ProtocolVersion = 0
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Config().ProtocolVersion != protocol.CurrentVersion {
		t.Fatalf("version default=%d", client.Config().ProtocolVersion)
	}
}

func TestConnectRetriesUntilHandshake(t *testing.T) {
	testlog.Start(t)
	g := startFakeGateway(t, 5, 2)
	client, err := NewClient(testClientConfig(g.addr))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	if got := g.accepts.Load(); got != 3 {
		t.Fatalf("accepts=%d want 3", got)
	}
	if sess.Version() != 5 {
		t.Fatalf("version=%d", sess.Version())
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	g := startFakeGateway(t, 5, 10)
	cfg := testClientConfig(g.addr)
	cfg.MaxConnectAttempts = 2
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := client.Connect(ctx); err == nil {
		t.Fatalf("expected connect failure")
	}
	if got := g.accepts.Load(); got != 2 {
		t.Fatalf("accepts=%d want 2", got)
	}
}

func TestConnectOlderAgentNegotiatesDown(t *testing.T) {
	testlog.Start(t)
	g := startFakeGateway(t, 5, 0)
	cfg := testClientConfig(g.addr)
	cfg.ProtocolVersion = 3
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	gw := wait.Receive(t, g.sessions, testTimeout, "gateway session")
	if sess.Version() != 3 || gw.Version() != 3 {
		t.Fatalf("agent=%d gateway=%d", sess.Version(), gw.Version())
	}
}

func TestConnectReportsOlderGatewayRefusal(t *testing.T) {
	testlog.Start(t)
	g := startFakeGateway(t, 3, 0)
	client, err := NewClient(testClientConfig(g.addr))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := client.Connect(ctx); !errors.Is(err, session.ErrVersionRefused) {
		t.Fatalf("expected ErrVersionRefused, got %v", err)
	}
	if got := g.accepts.Load(); got != 1 {
		t.Fatalf("accepts=%d want 1, refusal must not be retried", got)
	}
	wait.Never(t, g.sessions, 50*time.Millisecond, "gateway session for a refused agent")
}

func TestSessionExchangesCipheredFrames(t *testing.T) {
	testlog.Start(t)
	g := startFakeGateway(t, 5, 0)
	client, err := NewClient(testClientConfig(g.addr))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	gw := wait.Receive(t, g.sessions, testTimeout, "gateway session")

	up := &protocol.NotificationGaTime{Timestamp: protocol.TimeFromWire(86400)}
	raw, err := protocol.Serialise(up, sess.Version(), sess.Limits())
	if err != nil {
		t.Fatalf("serialise: %v", err)
	}
	// One frame split over two writes continues the same keystream.
	if err := sess.SendRaw(ctx, raw[:5]); err != nil {
		t.Fatalf("send head: %v", err)
	}
	if err := sess.SendRaw(ctx, raw[5:]); err != nil {
		t.Fatalf("send tail: %v", err)
	}
	got, err := gw.Receive(ctx)
	if err != nil {
		t.Fatalf("gateway receive: %v", err)
	}
	if ts, ok := got.(*protocol.NotificationGaTime); !ok || !ts.Timestamp.Equal(up.Timestamp) {
		t.Fatalf("unexpected uplink %+v", got)
	}

	// Unknown frame types are skipped on the downlink.
	if err := gw.SendRaw(ctx, []byte{0, 0, 0, 9, 0, 0, 0x7f, 0, 0xee}); err != nil {
		t.Fatalf("send unknown: %v", err)
	}
	if err := gw.Send(ctx, &protocol.CommandGpSwitchRelay{Meter: protocol.Meter{ConnectionType: 1, ID: 12}, On: true}); err != nil {
		t.Fatalf("send relay: %v", err)
	}
	down, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("agent receive: %v", err)
	}
	if relay, ok := down.(*protocol.CommandGpSwitchRelay); !ok || relay.Meter.ID != 12 || !relay.On {
		t.Fatalf("unexpected downlink %+v", down)
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	testlog.Start(t)
	g := startFakeGateway(t, 5, 0)
	client, err := NewClient(testClientConfig(g.addr))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sess.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	gw := wait.Receive(t, g.sessions, testTimeout, "gateway session")
	_ = gw.Close()
	if _, err := sess.Receive(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after peer close, got %v", err)
	}
}
