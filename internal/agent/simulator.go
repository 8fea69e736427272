package agent

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type SimulatorConfig struct {
	Client         ClientConfig
	ReportInterval time.Duration
	Meters         []protocol.Meter
	// RejectSoftware answers software configs with the error kind instead
	// of the acknowledgement.
	RejectSoftware bool
	Software       protocol.Version
	Hardware       protocol.Version
	DeviceType     uint8
	Serial         int32
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Client:         DefaultClientConfig(),
		ReportInterval: 30 * time.Second,
		Software:       protocol.Version{Major: 1},
		Hardware:       protocol.Version{Major: 1},
	}
}

// MeterState is the simulated relay and control position of one meter.
type MeterState struct {
	Meter         protocol.Meter `json:"meter"`
	Online        bool           `json:"online"`
	ControlManual bool           `json:"control_manual"`
	RelayOn       bool           `json:"relay_on"`
}

// Simulator keeps one agent connected, reports meter state on an interval
// and answers gateway commands.
type Simulator struct {
	client *Client
	cfg    SimulatorConfig
	log    zerolog.Logger
	rng    *rand.Rand

	mu       sync.Mutex
	meters   map[protocol.Meter]*MeterState
	rulesets []protocol.RuleSet
	received chan protocol.Message
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	client, err := NewClient(cfg.Client)
	if err != nil {
		return nil, err
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultSimulatorConfig().ReportInterval
	}
	meters := make(map[protocol.Meter]*MeterState, len(cfg.Meters))
	for _, m := range cfg.Meters {
		meters[m] = &MeterState{Meter: m, Online: true}
	}
	return &Simulator{
		client:   client,
		cfg:      cfg,
		log:      logging.Component("agent.simulator").With().Str("agent_id", cfg.Client.AgentID.String()).Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		meters:   meters,
		received: make(chan protocol.Message, 16),
	}, nil
}

// Received yields every message the gateway sent, when a reader keeps up.
func (s *Simulator) Received() <-chan protocol.Message { return s.received }

// Meters returns the simulated meter states ordered by id.
func (s *Simulator) Meters() []MeterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MeterState, 0, len(s.meters))
	for _, st := range s.meters {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b MeterState) int {
		switch {
		case a.Meter.ID < b.Meter.ID:
			return -1
		case a.Meter.ID > b.Meter.ID:
			return 1
		default:
			return int(a.Meter.ConnectionType) - int(b.Meter.ConnectionType)
		}
	})
	return out
}

func (s *Simulator) RuleSets() []protocol.RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rulesets)
}

// Run reconnects with backoff until ctx ends.
func (s *Simulator) Run(ctx context.Context) error {
	backoff := session.NewBackoff(s.cfg.Client.Session.Backoff, s.rng)
	for {
		sess, err := s.client.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		backoff.Reset()
		err = s.serve(ctx, sess)
		_ = sess.Close()
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.Next()
		s.log.Warn().Err(err).Dur("retry_in", delay).Msg("agent.simulator session ended")
		if err := sleepContext(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *Simulator) serve(ctx context.Context, sess *Session) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = sess.Close()
		return nil
	})
	g.Go(func() error {
		for {
			msg, err := sess.Receive(gctx)
			if err != nil {
				return err
			}
			if err := s.handle(gctx, sess, msg); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		if err := s.announce(gctx, sess); err != nil {
			return err
		}
		ticker := time.NewTicker(s.cfg.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.report(gctx, sess); err != nil {
					return err
				}
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// announce sends the session-opening notifications.
func (s *Simulator) announce(ctx context.Context, sess *Session) error {
	if sess.Version() >= 3 {
		info := &protocol.InfoAgentVersions{
			Software:   s.cfg.Software,
			DeviceType: s.cfg.DeviceType,
			Hardware:   s.cfg.Hardware,
			Serial:     s.cfg.Serial,
		}
		if err := sess.Send(ctx, info); err != nil {
			return err
		}
	}
	connected := &protocol.NotificationGaConnectedSet{}
	for _, st := range s.Meters() {
		connected.Meters = append(connected.Meters, protocol.ConnectedMeter{
			Meter:    st.Meter,
			Hardware: s.cfg.Hardware,
			Software: s.cfg.Software,
		})
	}
	if err := sess.Send(ctx, connected); err != nil {
		return err
	}
	return sess.Send(ctx, &protocol.NotificationGaTime{Timestamp: time.Now().Truncate(time.Second)})
}

// report sends one state notification per meter and, from version 2, one
// measurement batch.
func (s *Simulator) report(ctx context.Context, sess *Session) error {
	now := time.Now().Truncate(time.Second)
	states := s.Meters()
	for _, st := range states {
		m := &protocol.NotificationGpState{
			Timestamp:     now,
			Meter:         st.Meter,
			Online:        st.Online,
			ControlManual: st.ControlManual,
			RelayOn:       st.RelayOn,
		}
		if err := sess.Send(ctx, m); err != nil {
			return err
		}
	}
	if sess.Version() < 2 || len(states) == 0 {
		return nil
	}
	bulk := &protocol.BulkMeasurements{}
	for _, st := range states {
		bulk.Meters = append(bulk.Meters, protocol.MeterData{
			Meter: st.Meter,
			Sets: []protocol.MeasurementSet{{
				Timestamp: now,
				Measurements: []protocol.Measurement{
					{Type: 0, Unit: 0, InputNumber: 0, Value: s.rng.Int63n(1 << 20)},
				},
			}},
		})
	}
	return sess.Send(ctx, bulk)
}

func (s *Simulator) handle(ctx context.Context, sess *Session, msg protocol.Message) error {
	select {
	case s.received <- msg:
	default:
	}
	s.log.Debug().Str("type", msg.Type().String()).Msg("agent.simulator received")
	switch m := msg.(type) {
	case *protocol.CommandGpSwitchRelay:
		if st := s.apply(m.Meter, func(st *MeterState) { st.RelayOn = m.On }); st != nil {
			return s.sendState(ctx, sess, *st)
		}
	case *protocol.CommandGpSwitchControl:
		if st := s.apply(m.Meter, func(st *MeterState) { st.ControlManual = m.Manual }); st != nil {
			return s.sendState(ctx, sess, *st)
		}
	case *protocol.ConfigGaRulesets:
		s.mu.Lock()
		s.rulesets = slices.Clone(m.RuleSets)
		s.mu.Unlock()
	case *protocol.ConfigGaSoftware:
		if s.cfg.RejectSoftware {
			return sess.Send(ctx, &protocol.ErrorGaSoftware{})
		}
		return sess.Send(ctx, &protocol.AcknowledgementGaSoftware{})
	case *protocol.ConfigGpSoftware:
		if s.cfg.RejectSoftware {
			return sess.Send(ctx, &protocol.ErrorGpSoftware{})
		}
		return sess.Send(ctx, &protocol.AcknowledgementGpSoftware{})
	}
	return nil
}

// apply mutates the state for meter. At version 1 the connection type is
// not on the wire, so meters are matched by id alone.
func (s *Simulator) apply(meter protocol.Meter, fn func(*MeterState)) *MeterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, st := range s.meters {
		if key.ID == meter.ID && (key.ConnectionType == meter.ConnectionType || meter.ConnectionType == 0) {
			fn(st)
			out := *st
			return &out
		}
	}
	return nil
}

func (s *Simulator) sendState(ctx context.Context, sess *Session, st MeterState) error {
	return sess.Send(ctx, &protocol.NotificationGpState{
		Timestamp:     time.Now().Truncate(time.Second),
		Meter:         st.Meter,
		Online:        st.Online,
		ControlManual: st.ControlManual,
		RelayOn:       st.RelayOn,
	})
}
