package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/fieldgate/internal/auth"
	"github.com/danmuck/fieldgate/internal/firmware"
	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/danmuck/fieldgate/internal/observability"
	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/protocol/keystream"
	"github.com/danmuck/fieldgate/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("gateway: invalid config")

const commandQueueSize = 64

// Gateway endpoint configuration.
type ServiceConfig struct {
	ListenAddr      string
	ProtocolVersion int
	Secret          []byte
	ControlAddr     string
	ControlToken    string
	HTTPAddr        string
	CORSOrigins     []string
	FirmwareDir     string
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:      ":7500",
		ProtocolVersion: protocol.CurrentVersion,
		ControlAddr:     "",
		ControlToken:    "",
		HTTPAddr:        "",
		FirmwareDir:     firmware.DefaultRoot,
		Session:         session.DefaultConfig(),
	}
}

func (c ServiceConfig) Validate() error {
	if c.ProtocolVersion < protocol.MinVersion || c.ProtocolVersion > protocol.CurrentVersion {
		return fmt.Errorf("%w: protocol_version %d outside [%d, %d]",
			ErrInvalidConfig, c.ProtocolVersion, protocol.MinVersion, protocol.CurrentVersion)
	}
	if n := len(c.Secret); n < keystream.MinKeyLen || n > keystream.MaxKeyLen {
		return fmt.Errorf("%w: secret must be %d..%d bytes, got %d",
			ErrInvalidConfig, keystream.MinKeyLen, keystream.MaxKeyLen, n)
	}
	return nil
}

// ServiceStatus is the gateway's counters view.
type ServiceStatus struct {
	Uptime          string `json:"uptime"`
	ProtocolVersion int    `json:"protocol_version"`
	Agents          int    `json:"agents"`
	SessionClients  int64  `json:"session_clients"`
	ControlClients  int64  `json:"control_clients"`
	Subscribers     int    `json:"subscribers"`
	Ready           bool   `json:"ready"`
}

// Service accepts agent sockets and owns the registry, the inbound
// broadcaster and the command adapter.
type Service struct {
	cfg ServiceConfig
	log zerolog.Logger

	registry    *Registry
	broadcaster *Broadcaster
	adapter     *Adapter
	commands    chan Command
	tokens      auth.Validator
	firmware    firmware.Store

	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	handlers sync.WaitGroup

	sessionClientCount atomic.Int64
	controlClientCount atomic.Int64
	ready              atomic.Bool
	started            time.Time
}

func NewService(cfg ServiceConfig) *Service {
	d := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = d.ProtocolVersion
	}
	cfg.Session = cfg.Session.WithDefaults()
	registry := NewRegistry()
	store := firmware.NewStore(cfg.FirmwareDir)
	return &Service{
		cfg:         cfg,
		log:         logging.Component("gateway"),
		registry:    registry,
		broadcaster: NewBroadcaster(),
		adapter:     NewAdapter(registry, store),
		commands:    make(chan Command, commandQueueSize),
		tokens:      auth.ForToken(cfg.ControlToken),
		firmware:    store,
		conns:       make(map[net.Conn]struct{}),
		started:     time.Now(),
	}
}

func (s *Service) Config() ServiceConfig      { return s.cfg }
func (s *Service) Registry() *Registry        { return s.registry }
func (s *Service) Broadcaster() *Broadcaster  { return s.broadcaster }
func (s *Service) Adapter() *Adapter          { return s.adapter }
func (s *Service) Firmware() firmware.Store   { return s.firmware }
func (s *Service) SetTokens(v auth.Validator) { s.tokens = v }

// Dispatch forwards cmd through the adapter.
func (s *Service) Dispatch(ctx context.Context, cmd Command) error {
	return s.adapter.Dispatch(ctx, cmd)
}

// Commands is the command-plane ingress channel. Serve drains it through
// Adapter.Run; failed commands are logged, not reported to the sender.
func (s *Service) Commands() chan<- Command { return s.commands }

// Submit queues cmd on Commands, blocking while the queue is full.
func (s *Service) Submit(ctx context.Context, cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Status() ServiceStatus {
	return ServiceStatus{
		Uptime:          time.Since(s.started).Truncate(time.Second).String(),
		ProtocolVersion: s.cfg.ProtocolVersion,
		Agents:          s.registry.Len(),
		SessionClients:  s.sessionClientCount.Load(),
		ControlClients:  s.controlClientCount.Load(),
		Subscribers:     s.broadcaster.Len(),
		Ready:           s.ready.Load(),
	}
}

// Run listens on every configured address and blocks until SIGINT or
// SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx)
}

// ListenAndServe runs the agent listener, the command-plane endpoint and
// the HTTP status surface until ctx ends or one of them fails.
func (s *Service) ListenAndServe(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	observability.RegisterMetrics()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("protocol_version", s.cfg.ProtocolVersion).
		Msg("gateway listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, ln) })
	if addr := strings.TrimSpace(s.cfg.ControlAddr); addr != "" {
		cln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error { return s.ServeControl(gctx, cln) })
	}
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			s.log.Info().Str("addr", addr).Msg("gateway.http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// Serve accepts agent sockets on ln until ctx ends. It returns after every
// connection handler has finished.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Validate(); err != nil {
		_ = ln.Close()
		return err
	}
	defer s.handlers.Wait()
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.ready.Store(false)
		s.registry.TerminateAll(ErrShutdown)
		s.closeAllConns()
		_ = ln.Close()
	}()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		_ = s.adapter.Run(ctx, s.commands)
	}()

	s.ready.Store(true)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(nc)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConn(ctx, nc)
		}()
	}
}

func (s *Service) trackConn(nc net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[nc] = struct{}{}
}

func (s *Service) untrackConn(nc net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, nc)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for nc := range s.conns {
		_ = nc.Close()
	}
}

// handleConn runs the hello exchange, registers the session and blocks
// until it terminates.
func (s *Service) handleConn(ctx context.Context, nc net.Conn) {
	defer s.untrackConn(nc)
	defer nc.Close()
	remote := remoteAddr(nc)
	active := s.sessionClientCount.Add(1)
	observability.ConnectionOpened()
	s.log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("gateway.session connected")
	defer func() {
		observability.ConnectionClosed()
		remaining := s.sessionClientCount.Add(-1)
		s.log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("gateway.session disconnected")
	}()

	hs, err := s.handshake(nc)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, session.ErrVersionRefused) {
			outcome = "refused"
		}
		observability.RecordHandshake(outcome)
		s.log.Warn().Str("remote", remote).Err(err).Msg("gateway.session handshake " + outcome)
		return
	}
	conn, err := NewConn(nc, hs, s.cfg.Secret, s.cfg.Session, s.broadcaster)
	if err != nil {
		observability.RecordHandshake("failed")
		s.log.Warn().Str("remote", remote).Err(err).Msg("gateway.session keying failed")
		return
	}
	observability.RecordHandshake("accepted")

	if s.registry.Register(conn) {
		observability.RecordReplacement()
		s.log.Info().
			Str("agent_id", conn.AgentID().String()).
			Str("conn_id", conn.ID()).
			Str("remote", remote).
			Msg("gateway.session replaced previous connection")
	}
	cause := conn.Run(ctx)
	replaced := s.registry.Unregister(conn)
	s.log.Info().
		Str("agent_id", conn.AgentID().String()).
		Str("conn_id", conn.ID()).
		Bool("replaced", replaced).
		AnErr("cause", cause).
		Msg("gateway.session closed")
}

func (s *Service) handshake(nc net.Conn) (session.Result, error) {
	if err := nc.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout)); err != nil {
		return session.Result{}, err
	}
	nonce, err := session.NewNonce()
	if err != nil {
		return session.Result{}, err
	}
	hs, err := session.ServerHandshake(nc, s.cfg.ProtocolVersion, nonce)
	if err != nil {
		return session.Result{}, err
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return session.Result{}, err
	}
	return hs, nil
}
