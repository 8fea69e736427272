package main

import (
	"path/filepath"
	"testing"

	"github.com/danmuck/fieldgate/internal/config"
	"github.com/danmuck/fieldgate/internal/protocol"
	"github.com/danmuck/fieldgate/internal/testutil/testlog"
)

func TestExampleConfigLoads(t *testing.T) {
	testlog.Start(t)
	cfg, err := config.LoadAgentConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Client.AgentID != protocol.AgentID(0xaabbcc) || len(cfg.Meters) != 2 {
		t.Fatalf("unexpected example config %+v", cfg)
	}
}

func TestWriteTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := run([]string{"--config", path, "--write-template"}); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := config.LoadAgentConfig(path); err != nil {
		t.Fatalf("load template: %v", err)
	}
}

func TestMissingConfigFails(t *testing.T) {
	testlog.Start(t)
	if err := run([]string{"--config", filepath.Join(t.TempDir(), "absent.toml")}); err == nil {
		t.Fatalf("expected missing config error")
	}
}
