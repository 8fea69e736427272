package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/fieldgate/internal/protocol"
)

const (
	controlMaxLine      = 64 << 20
	controlWriteTimeout = 10 * time.Second
)

// Control actions.
const (
	ActionStatus    = "status"
	ActionAgents    = "agents"
	ActionAgent     = "agent"
	ActionCommand   = "command"
	ActionSubmit    = "submit"
	ActionSubscribe = "subscribe"
)

// ControlRequest is one JSON line sent to the command-plane endpoint.
type ControlRequest struct {
	Action  string            `json:"action"`
	Token   string            `json:"token,omitempty"`
	AgentID *protocol.AgentID `json:"agent_id,omitempty"`
	Command *Command          `json:"command,omitempty"`
}

// ControlResponse is the JSON line returned for each request.
type ControlResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is the JSON line streamed to subscribers.
type InboundEvent struct {
	AgentID    protocol.AgentID `json:"agent_id"`
	ConnID     string           `json:"conn_id"`
	Kind       string           `json:"kind"`
	Version    int              `json:"version"`
	ReceivedAt time.Time        `json:"received_at"`
	Message    protocol.Message `json:"message"`
}

func newInboundEvent(in Inbound) InboundEvent {
	return InboundEvent{
		AgentID:    in.AgentID,
		ConnID:     in.ConnID,
		Kind:       in.Kind(),
		Version:    in.Version,
		ReceivedAt: in.ReceivedAt,
		Message:    in.Message,
	}
}

// ServeControl exposes the newline-delimited JSON command-plane endpoint on
// ln until ctx ends.
func (s *Service) ServeControl(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("gateway.control listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleControlConn(ctx, nc)
	}
}

// handleControlConn decodes one request per line and writes one response per
// line. A subscribe request turns the connection into an event stream.
func (s *Service) handleControlConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	remote := remoteAddr(nc)
	active := s.controlClientCount.Add(1)
	s.log.Info().Str("remote", remote).Int64("active_clients", active).Msg("gateway.control client connected")
	defer func() {
		remaining := s.controlClientCount.Add(-1)
		s.log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("gateway.control client disconnected")
	}()
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	reader := bufio.NewReaderSize(nc, 64*1024)
	for {
		line, err := readControlLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Warn().Str("remote", remote).Err(err).Msg("gateway.control read failed")
			}
			return
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var req ControlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := writeControlResponse(nc, errorResponse(err)); err != nil {
				return
			}
			continue
		}
		if strings.TrimSpace(req.Action) == ActionSubscribe {
			s.streamInbound(ctx, nc, reader, req)
			return
		}
		resp := s.handleControlRequest(ctx, req)
		if err := writeControlResponse(nc, resp); err != nil {
			s.log.Warn().Str("remote", remote).Err(err).Msg("gateway.control write failed")
			return
		}
	}
}

func readControlLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > controlMaxLine {
			return nil, errors.New("gateway: control request too large")
		}
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
	}
}

// handleControlRequest routes one action to the service.
func (s *Service) handleControlRequest(ctx context.Context, req ControlRequest) ControlResponse {
	if err := s.tokens.Validate(req.Token); err != nil {
		return errorResponse(err)
	}
	switch strings.TrimSpace(req.Action) {
	case ActionStatus:
		return dataResponse(s.Status())
	case ActionAgents:
		return dataResponse(s.registry.Snapshot())
	case ActionAgent:
		if req.AgentID == nil {
			return ControlResponse{OK: false, Error: "agent_id required"}
		}
		conn, ok := s.registry.Lookup(*req.AgentID)
		if !ok {
			return ControlResponse{OK: false, Error: "agent not connected"}
		}
		return dataResponse(conn.Info())
	case ActionCommand:
		if req.Command == nil {
			return ControlResponse{OK: false, Error: "command required"}
		}
		if err := s.adapter.Dispatch(ctx, *req.Command); err != nil {
			if errors.Is(err, ErrAgentNotConnected) {
				return ControlResponse{OK: false, Error: "agent not connected"}
			}
			return errorResponse(err)
		}
		return ControlResponse{OK: true}
	case ActionSubmit:
		// Fire and forget: queued for Adapter.Run without waiting for the agent.
		if req.Command == nil {
			return ControlResponse{OK: false, Error: "command required"}
		}
		if err := s.Submit(ctx, *req.Command); err != nil {
			return errorResponse(err)
		}
		return dataResponse(map[string]bool{"queued": true})
	default:
		return ControlResponse{OK: false, Error: "unknown action: " + req.Action}
	}
}

// streamInbound acknowledges the subscription and then writes one
// InboundEvent per line until the client goes away or ctx ends.
func (s *Service) streamInbound(ctx context.Context, nc net.Conn, reader *bufio.Reader, req ControlRequest) {
	if err := s.tokens.Validate(req.Token); err != nil {
		_ = writeControlResponse(nc, errorResponse(err))
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, subID := s.broadcaster.Subscribe(subCtx)
	defer s.broadcaster.Unsubscribe(subID)
	if err := writeControlResponse(nc, dataResponse(map[string]string{"subscription": subID})); err != nil {
		return
	}
	// Anything further from the client, including EOF, ends the stream.
	go func() {
		_, _ = reader.ReadByte()
		cancel()
	}()

	for {
		select {
		case <-subCtx.Done():
			return
		case in, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(newInboundEvent(in))
			if err != nil {
				s.log.Warn().Err(err).Str("kind", in.Kind()).Msg("gateway.control encode event failed")
				continue
			}
			_ = nc.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
			if _, err := nc.Write(append(payload, '\n')); err != nil {
				return
			}
		}
	}
}

func dataResponse(v any) ControlResponse {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResponse(err)
	}
	return ControlResponse{OK: true, Data: raw}
}

func errorResponse(err error) ControlResponse {
	return ControlResponse{OK: false, Error: err.Error()}
}

func writeControlResponse(w io.Writer, resp ControlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
