package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// AgentID is the 64-bit agent identity, normally a MAC address widened to
// 64 bits. Text form is lower-case hex with at least 12 digits.
type AgentID uint64

func (id AgentID) String() string {
	return fmt.Sprintf("%012x", uint64(id))
}

func (id AgentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AgentID) UnmarshalText(b []byte) error {
	v, err := ParseAgentID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ParseAgentID accepts plain hex, 0x-prefixed hex, or colon/dash separated
// MAC notation.
func ParseAgentID(raw string) (AgentID, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimPrefix(s, "0x")
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	if s == "" {
		return 0, fmt.Errorf("protocol: empty agent id")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: agent id %q: %w", raw, err)
	}
	return AgentID(v), nil
}
