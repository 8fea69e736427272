// Package config loads gatewayctl and agentctl TOML files onto runtime
// defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fieldgate/internal/agent"
	"github.com/danmuck/fieldgate/internal/gateway"
	pelletier "github.com/pelletier/go-toml/v2"
)

// SecretEnv overrides the configured secret when set.
const SecretEnv = "FIELDGATE_SECRET"

// gatewayctl config.toml key mapping to gateway runtime settings.
type GatewayFile struct {
	Addr             string   `toml:"addr"`
	ProtocolVersion  int      `toml:"protocol_version"`
	Secret           string   `toml:"secret"`
	SecretHex        string   `toml:"secret_hex"`
	ControlAddr      string   `toml:"control_addr"`
	ControlToken     string   `toml:"control_token"`
	HTTPAddr         string   `toml:"http_addr"`
	CorsOrigins      []string `toml:"cors_origins"`
	FirmwareDir      string   `toml:"firmware_dir"`
	ConnectTimeout   string   `toml:"connect_timeout"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	IdleTimeout      string   `toml:"idle_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	MaxFrameBytes    uint32   `toml:"max_frame_bytes"`
}

// agentctl config.toml. Absent keys keep simulator defaults.
type AgentFile struct {
	GatewayAddr     string        `toml:"gateway_addr"`
	AgentID         string        `toml:"agent_id"`
	ProtocolVersion int           `toml:"protocol_version"`
	Secret          string        `toml:"secret"`
	SecretHex       string        `toml:"secret_hex"`
	ReportInterval  string        `toml:"report_interval"`
	RejectSoftware  bool          `toml:"reject_software"`
	Software        string        `toml:"software"`
	Hardware        string        `toml:"hardware"`
	DeviceType      uint8         `toml:"device_type"`
	Serial          int32         `toml:"serial"`
	Meters          []MeterConfig `toml:"meters"`
}

type MeterConfig struct {
	ConnectionType int8  `toml:"connection_type"`
	ID             int64 `toml:"id"`
}

// LoadGatewayConfig decodes path and overlays only the keys it defines.
func LoadGatewayConfig(path string) (gateway.ServiceConfig, error) {
	cfg := gateway.DefaultServiceConfig()

	var raw GatewayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return gateway.ServiceConfig{}, fmt.Errorf("load gateway config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("protocol_version") {
		cfg.ProtocolVersion = raw.ProtocolVersion
	}
	if meta.IsDefined("control_addr") {
		cfg.ControlAddr = strings.TrimSpace(raw.ControlAddr)
	}
	if meta.IsDefined("control_token") {
		cfg.ControlToken = strings.TrimSpace(raw.ControlToken)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = trimAll(raw.CorsOrigins)
	}
	if meta.IsDefined("firmware_dir") {
		cfg.FirmwareDir = strings.TrimSpace(raw.FirmwareDir)
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Session.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	timeouts := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.Session.IdleTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
	}
	for _, field := range timeouts {
		if !meta.IsDefined(field.key) {
			continue
		}
		d, err := parseDuration(field.raw)
		if err != nil {
			return gateway.ServiceConfig{}, fmt.Errorf("load gateway config: %s: %w", field.key, err)
		}
		*field.dst = d
	}

	secret, err := resolveSecret(raw.Secret, raw.SecretHex)
	if err != nil {
		return gateway.ServiceConfig{}, fmt.Errorf("load gateway config: %w", err)
	}
	cfg.Secret = secret

	if err := cfg.Validate(); err != nil {
		return gateway.ServiceConfig{}, fmt.Errorf("load gateway config: %w", err)
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

// LoadAgentConfig decodes an agentctl file onto DefaultSimulatorConfig.
func LoadAgentConfig(path string) (agent.SimulatorConfig, error) {
	var raw AgentFile
	if err := loadToml(path, &raw); err != nil {
		return agent.SimulatorConfig{}, err
	}
	cfg, err := raw.SimulatorConfig()
	if err != nil {
		return agent.SimulatorConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := pelletier.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
