package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/danmuck/fieldgate/internal/observability"
	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/rs/zerolog"
)

// Command-plane command kinds.
const (
	CommandSwitchRelay   = "switch_relay"
	CommandSwitchControl = "switch_control"
	CommandRulesets      = "rulesets"
	CommandGaSoftware    = "ga_software"
	CommandGpSoftware    = "gp_software"
)

// Command is one structured instruction from the command plane.
type Command struct {
	AgentID protocol.AgentID `json:"agent_id"`
	Kind    string           `json:"kind"`

	// switch_relay, switch_control
	Meter *protocol.Meter `json:"meter,omitempty"`
	Value *bool           `json:"value,omitempty"`

	// rulesets
	RuleSets []protocol.RuleSet `json:"rule_sets,omitempty"`

	// ga_software, gp_software
	Software      *protocol.Version `json:"software,omitempty"`
	Hardware      *protocol.Version `json:"hardware,omitempty"`
	HardwareModel uint8             `json:"hardware_model,omitempty"`
	Meters        []protocol.Meter  `json:"meters,omitempty"`
	Image         []byte            `json:"image,omitempty"`
}

// FirmwareSource loads the image for hardware model, target hardware and
// target software versions.
type FirmwareSource interface {
	Load(model uint8, hardware, software protocol.Version) ([]byte, error)
}

// Build constructs the outbound message for cmd. Software commands without
// an inline image fetch it from fw.
func (cmd Command) Build(fw FirmwareSource) (protocol.Message, error) {
	switch strings.TrimSpace(cmd.Kind) {
	case CommandSwitchRelay:
		if cmd.Meter == nil || cmd.Value == nil {
			return nil, fmt.Errorf("%w: %s needs meter and value", ErrInvalidCommand, cmd.Kind)
		}
		return &protocol.CommandGpSwitchRelay{Meter: *cmd.Meter, On: *cmd.Value}, nil
	case CommandSwitchControl:
		if cmd.Meter == nil || cmd.Value == nil {
			return nil, fmt.Errorf("%w: %s needs meter and value", ErrInvalidCommand, cmd.Kind)
		}
		return &protocol.CommandGpSwitchControl{Meter: *cmd.Meter, Manual: *cmd.Value}, nil
	case CommandRulesets:
		return &protocol.ConfigGaRulesets{RuleSets: cmd.RuleSets}, nil
	case CommandGaSoftware:
		image, err := cmd.image(fw)
		if err != nil {
			return nil, err
		}
		return &protocol.ConfigGaSoftware{
			Software:      *cmd.Software,
			HardwareModel: cmd.HardwareModel,
			Hardware:      *cmd.Hardware,
			Image:         image,
		}, nil
	case CommandGpSoftware:
		if len(cmd.Meters) == 0 {
			return nil, fmt.Errorf("%w: %s needs meters", ErrInvalidCommand, cmd.Kind)
		}
		image, err := cmd.image(fw)
		if err != nil {
			return nil, err
		}
		return &protocol.ConfigGpSoftware{
			Software:      *cmd.Software,
			HardwareModel: cmd.HardwareModel,
			Hardware:      *cmd.Hardware,
			Meters:        cmd.Meters,
			Image:         image,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
}

func (cmd Command) image(fw FirmwareSource) ([]byte, error) {
	if cmd.Software == nil || cmd.Hardware == nil {
		return nil, fmt.Errorf("%w: %s needs software and hardware versions", ErrInvalidCommand, cmd.Kind)
	}
	if len(cmd.Image) > 0 {
		return cmd.Image, nil
	}
	if fw == nil {
		return nil, fmt.Errorf("%w: %s has no image and no firmware source", ErrInvalidCommand, cmd.Kind)
	}
	image, err := fw.Load(cmd.HardwareModel, *cmd.Hardware, *cmd.Software)
	if err != nil {
		return nil, fmt.Errorf("%w: firmware: %w", ErrInvalidCommand, err)
	}
	return image, nil
}

// Adapter routes command-plane commands onto live connections.
type Adapter struct {
	registry *Registry
	firmware FirmwareSource
	log      zerolog.Logger
}

func NewAdapter(registry *Registry, firmware FirmwareSource) *Adapter {
	return &Adapter{
		registry: registry,
		firmware: firmware,
		log:      logging.Component("gateway.adapter"),
	}
}

// Dispatch looks up the target connection, builds the message and enqueues
// it. A command for an agent without a live connection is dropped with
// ErrAgentNotConnected; the command plane owns retry. Dispatch blocks while
// the connection's outgoing backlog is full.
func (a *Adapter) Dispatch(ctx context.Context, cmd Command) error {
	kind := strings.TrimSpace(cmd.Kind)
	conn, ok := a.registry.Lookup(cmd.AgentID)
	if !ok {
		observability.RecordCommand(kind, "dropped")
		a.log.Debug().Str("agent_id", cmd.AgentID.String()).Str("kind", kind).Msg("gateway.adapter dropped command")
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, cmd.AgentID)
	}
	msg, err := cmd.Build(a.firmware)
	if err != nil {
		observability.RecordCommand(kind, "invalid")
		return err
	}
	if err := protocol.CheckEncodable(msg, conn.Version()); err != nil {
		observability.RecordCommand(kind, "invalid")
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if err := conn.Enqueue(ctx, msg); err != nil {
		observability.RecordCommand(kind, "cancelled")
		return err
	}
	observability.RecordCommand(kind, "queued")
	a.log.Debug().
		Str("agent_id", cmd.AgentID.String()).
		Str("conn_id", conn.ID()).
		Str("kind", kind).
		Msg("gateway.adapter queued command")
	return nil
}

// Run dispatches commands until ctx ends or commands is closed. Dispatch
// failures are logged and do not stop the loop.
func (a *Adapter) Run(ctx context.Context, commands <-chan Command) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-commands:
			if !ok {
				return nil
			}
			if err := a.Dispatch(ctx, cmd); err != nil && !errors.Is(err, ErrAgentNotConnected) {
				a.log.Warn().Err(err).Str("agent_id", cmd.AgentID.String()).Str("kind", cmd.Kind).Msg("gateway.adapter dispatch failed")
			}
		}
	}
}
