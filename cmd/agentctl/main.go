// agentctl runs one simulated field agent against a gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fieldgate/internal/agent"
	"github.com/danmuck/fieldgate/internal/config"
	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "cmd/agentctl/config.toml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("agentctl", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultConfigPath, "agent TOML config path")
	logLevel := flags.String("log-level", "", "override log level (trace|debug|info|warn|error|off)")
	gatewayAddr := flags.String("gateway", "", "override gateway_addr")
	writeTemplate := flags.Bool("write-template", false, "write a config template to --config and exit")
	force := flags.Bool("force", false, "overwrite an existing config with --write-template")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime("agentctl")
	if *logLevel != "" && !logging.SetLevel(*logLevel) {
		return fmt.Errorf("unknown log level %q", *logLevel)
	}

	if *writeTemplate {
		if err := config.WriteTemplate(*configPath, "agent", *force); err != nil {
			return err
		}
		log.Info().Str("path", *configPath).Msg("agentctl wrote config template")
		return nil
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		return err
	}
	if *gatewayAddr != "" {
		cfg.Client.Address = *gatewayAddr
	}
	sim, err := agent.NewSimulator(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info().
		Str("agent_id", cfg.Client.AgentID.String()).
		Str("gateway", cfg.Client.Address).
		Int("meters", len(cfg.Meters)).
		Msg("agentctl starting")
	return sim.Run(ctx)
}
