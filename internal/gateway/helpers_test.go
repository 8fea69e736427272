package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/fieldgate/internal/agent"
	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/protocol/session"
)

const (
	testAgentID = protocol.AgentID(0x000000aabbcc)
	testTimeout = 2 * time.Second
)

var testSecret = []byte("fieldgate-test-secret")

func chanSink(buf int) (Sink, <-chan Inbound) {
	ch := make(chan Inbound, buf)
	return SinkFunc(func(ctx context.Context, in Inbound) {
		select {
		case ch <- in:
		case <-ctx.Done():
		}
	}), ch
}

// pipePair builds a gateway Conn and the matching agent session over
// net.Pipe, as if the hello exchange had completed at version.
func pipePair(t *testing.T, version int, id protocol.AgentID, sink Sink) (*Conn, *agent.Session) {
	t.Helper()
	server, client := net.Pipe()
	hs := session.Result{Version: version, AgentID: uint64(id), Nonce: 0x0102030405060708}
	cfg := session.DefaultConfig()
	conn, err := NewConn(server, hs, testSecret, cfg, sink)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	sess, err := agent.NewSession(client, hs, testSecret, cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() {
		conn.Terminate(ErrShutdown)
		_ = sess.Close()
	})
	return conn, sess
}

// runConn registers conn and runs it in the background. The returned
// channel yields Run's result.
func runConn(t *testing.T, reg *Registry, conn *Conn) <-chan error {
	t.Helper()
	reg.Register(conn)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errs := make(chan error, 1)
	go func() { errs <- conn.Run(ctx) }()
	return errs
}

// receiveLoop pumps sess.Receive into a channel until the session ends.
func receiveLoop(t *testing.T, sess *agent.Session) <-chan protocol.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	out := make(chan protocol.Message, 16)
	go func() {
		defer close(out)
		for {
			msg, err := sess.Receive(ctx)
			if err != nil {
				return
			}
			out <- msg
		}
	}()
	return out
}

func testServiceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Secret = testSecret
	cfg.FirmwareDir = ""
	return cfg
}

// startService serves cfg on a loopback listener until the test ends.
func startService(t *testing.T, cfg ServiceConfig) (*Service, string) {
	t.Helper()
	svc := NewService(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(testTimeout):
			t.Errorf("serve did not return after cancel")
		}
	})
	return svc, ln.Addr().String()
}

func dialAgent(t *testing.T, addr string, id protocol.AgentID, version int) *agent.Session {
	t.Helper()
	cfg := agent.DefaultClientConfig()
	cfg.Address = addr
	cfg.AgentID = id
	cfg.ProtocolVersion = version
	cfg.Secret = testSecret
	cfg.MaxConnectAttempts = 1
	client, err := agent.NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func boolPtr(v bool) *bool { return &v }
