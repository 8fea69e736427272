package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/testutil/testlog"
	"github.com/danmuck/fieldgate/internal/testutil/wait"
)

type fakeFirmware struct {
	model    uint8
	hardware protocol.Version
	software protocol.Version
	image    []byte
	err      error
}

func (f *fakeFirmware) Load(model uint8, hardware, software protocol.Version) ([]byte, error) {
	f.model, f.hardware, f.software = model, hardware, software
	return f.image, f.err
}

func TestCommandBuild(t *testing.T) {
	testlog.Start(t)
	meter := &protocol.Meter{ConnectionType: 1, ID: 7}
	sw := &protocol.Version{Major: 3}
	hw := &protocol.Version{Major: 1, Minor: 2}
	fw := &fakeFirmware{image: []byte("from-store")}

	cases := []struct {
		name string
		cmd  Command
		want protocol.MessageType
		err  error
	}{
		{name: "relay", cmd: Command{Kind: CommandSwitchRelay, Meter: meter, Value: boolPtr(true)}, want: protocol.TypeCommandGpSwitchRelay},
		{name: "control", cmd: Command{Kind: CommandSwitchControl, Meter: meter, Value: boolPtr(false)}, want: protocol.TypeCommandGpSwitchControl},
		{name: "rulesets", cmd: Command{Kind: CommandRulesets}, want: protocol.TypeConfigGaRulesets},
		{name: "ga software", cmd: Command{Kind: CommandGaSoftware, Software: sw, Hardware: hw}, want: protocol.TypeConfigGaSoftware},
		{name: "gp software", cmd: Command{Kind: CommandGpSoftware, Software: sw, Hardware: hw, Meters: []protocol.Meter{*meter}, Image: []byte("inline")}, want: protocol.TypeConfigGpSoftware},
		{name: "relay missing value", cmd: Command{Kind: CommandSwitchRelay, Meter: meter}, err: ErrInvalidCommand},
		{name: "gp without meters", cmd: Command{Kind: CommandGpSoftware, Software: sw, Hardware: hw}, err: ErrInvalidCommand},
		{name: "software without versions", cmd: Command{Kind: CommandGaSoftware}, err: ErrInvalidCommand},
		{name: "unknown", cmd: Command{Kind: "reboot"}, err: ErrUnknownCommand},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := tc.cmd.Build(fw)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if msg.Type() != tc.want {
				t.Fatalf("type=%s want %s", msg.Type(), tc.want)
			}
		})
	}

	ga, err := Command{Kind: CommandGaSoftware, Software: sw, Hardware: hw, HardwareModel: 4}.Build(fw)
	if err != nil {
		t.Fatalf("build ga: %v", err)
	}
	if !bytes.Equal(ga.(*protocol.ConfigGaSoftware).Image, []byte("from-store")) {
		t.Fatalf("image not loaded from firmware source")
	}
	if fw.model != 4 || fw.hardware != *hw || fw.software != *sw {
		t.Fatalf("firmware lookup keys %+v", fw)
	}
	gp, err := Command{Kind: CommandGpSoftware, Software: sw, Hardware: hw, Meters: []protocol.Meter{*meter}, Image: []byte("inline")}.Build(nil)
	if err != nil || !bytes.Equal(gp.(*protocol.ConfigGpSoftware).Image, []byte("inline")) {
		t.Fatalf("inline image not used: %v", err)
	}
	if _, err := (Command{Kind: CommandGaSoftware, Software: sw, Hardware: hw}).Build(nil); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand without firmware source, got %v", err)
	}
	fw.err = errors.New("disk gone")
	if _, err := (Command{Kind: CommandGaSoftware, Software: sw, Hardware: hw}).Build(fw); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand on firmware failure, got %v", err)
	}
}

func TestCommandJSON(t *testing.T) {
	testlog.Start(t)
	line := `{"agent_id":"00:00:00:aa:bb:cc","kind":"switch_relay","meter":{"connection_type":1,"id":42},"value":true}`
	var cmd Command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.AgentID != testAgentID || cmd.Meter.ID != 42 || !*cmd.Value {
		t.Fatalf("unexpected command %+v", cmd)
	}
	out, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(out, []byte(`"agent_id":"000000aabbcc"`)) {
		t.Fatalf("agent id not rendered as hex: %s", out)
	}
}

func TestDispatchDropsForUnknownAgent(t *testing.T) {
	testlog.Start(t)
	a := NewAdapter(NewRegistry(), nil)
	err := a.Dispatch(context.Background(), Command{AgentID: 1, Kind: CommandRulesets})
	if !errors.Is(err, ErrAgentNotConnected) {
		t.Fatalf("expected ErrAgentNotConnected, got %v", err)
	}
}

func TestAdapterRunRoutesToConnection(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	conn, sess := pipePair(t, 3, testAgentID, nil)
	runConn(t, reg, conn)
	received := receiveLoop(t, sess)

	a := NewAdapter(reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	commands := make(chan Command, 2)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, commands) }()

	commands <- Command{AgentID: 0xdead, Kind: CommandRulesets}
	commands <- Command{
		AgentID: testAgentID,
		Kind:    CommandRulesets,
		RuleSets: []protocol.RuleSet{{
			Rules:  []protocol.Rule{{Operator: protocol.OpGreater, Threshold: 100, Action: protocol.ActionRelayOff}},
			Meters: []protocol.Meter{{ConnectionType: 1, ID: 9}},
		}},
	}
	msg := wait.Receive(t, received, testTimeout, "rulesets")
	rs, ok := msg.(*protocol.ConfigGaRulesets)
	if !ok || len(rs.RuleSets) != 1 || rs.RuleSets[0].Rules[0].Threshold != 100 {
		t.Fatalf("unexpected message %+v", msg)
	}
	close(commands)
	if err := wait.Receive(t, done, testTimeout, "adapter run return"); err != nil {
		t.Fatalf("run: %v", err)
	}
}
