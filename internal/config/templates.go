package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gateway":
		return gatewayTemplate, nil
	case "agent":
		return agentTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const gatewayTemplate = `addr = ":7500"
protocol_version = 5
secret = "change-me-shared-secret"
control_addr = "127.0.0.1:7510"
control_token = "temp-control-token"
http_addr = "127.0.0.1:7580"
cors_origins = ["http://localhost:3000"]
firmware_dir = "firmware"
handshake_timeout = "10s"
idle_timeout = "0s"
write_timeout = "30s"
max_frame_bytes = 16777216
`

const agentTemplate = `gateway_addr = "localhost:7500"
agent_id = "00:00:00:aa:bb:cc"
protocol_version = 5
secret = "change-me-shared-secret"
report_interval = "30s"
reject_software = false
software = "1.0.0"
hardware = "1.0.0"
device_type = 1
serial = 1

[[meters]]
connection_type = 1
id = 1

[[meters]]
connection_type = 1
id = 2
`
