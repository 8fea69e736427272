package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/fieldgate/internal/agent"
	"github.com/danmuck/fieldgate/internal/protocol"
)

// resolveSecret prefers SecretEnv, then secret_hex, then the plain secret.
func resolveSecret(plain, hexed string) ([]byte, error) {
	if env := os.Getenv(SecretEnv); env != "" {
		return []byte(env), nil
	}
	if s := strings.TrimSpace(hexed); s != "" {
		out, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("secret_hex: %w", err)
		}
		return out, nil
	}
	return []byte(plain), nil
}

// parseDuration accepts Go duration text; an empty value is zero.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// ParseVersion reads "major.minor.revision[-extra]". Missing components are
// zero.
func ParseVersion(raw string) (protocol.Version, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return protocol.Version{}, nil
	}
	var v protocol.Version
	if i := strings.IndexByte(s, '-'); i >= 0 {
		v.Extra = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return protocol.Version{}, fmt.Errorf("version %q: too many components", raw)
	}
	dst := []*uint8{&v.Major, &v.Minor, &v.Revision}
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return protocol.Version{}, fmt.Errorf("version %q: %w", raw, err)
		}
		*dst[i] = uint8(n)
	}
	return v, nil
}

// SimulatorConfig overlays the file onto agent.DefaultSimulatorConfig.
func (f AgentFile) SimulatorConfig() (agent.SimulatorConfig, error) {
	cfg := agent.DefaultSimulatorConfig()
	cfg.Client.Address = strings.TrimSpace(f.GatewayAddr)
	if f.ProtocolVersion != 0 {
		cfg.Client.ProtocolVersion = f.ProtocolVersion
	}
	if strings.TrimSpace(f.AgentID) == "" {
		return agent.SimulatorConfig{}, agent.ErrAgentIDRequired
	}
	id, err := protocol.ParseAgentID(f.AgentID)
	if err != nil {
		return agent.SimulatorConfig{}, err
	}
	cfg.Client.AgentID = id

	secret, err := resolveSecret(f.Secret, f.SecretHex)
	if err != nil {
		return agent.SimulatorConfig{}, err
	}
	cfg.Client.Secret = secret

	if f.ReportInterval != "" {
		d, err := parseDuration(f.ReportInterval)
		if err != nil {
			return agent.SimulatorConfig{}, fmt.Errorf("report_interval: %w", err)
		}
		cfg.ReportInterval = d
	}
	if f.Software != "" {
		if cfg.Software, err = ParseVersion(f.Software); err != nil {
			return agent.SimulatorConfig{}, fmt.Errorf("software: %w", err)
		}
	}
	if f.Hardware != "" {
		if cfg.Hardware, err = ParseVersion(f.Hardware); err != nil {
			return agent.SimulatorConfig{}, fmt.Errorf("hardware: %w", err)
		}
	}
	cfg.RejectSoftware = f.RejectSoftware
	cfg.DeviceType = f.DeviceType
	cfg.Serial = f.Serial
	cfg.Meters = make([]protocol.Meter, 0, len(f.Meters))
	for _, m := range f.Meters {
		cfg.Meters = append(cfg.Meters, protocol.Meter{ConnectionType: m.ConnectionType, ID: m.ID})
	}
	return cfg, nil
}
