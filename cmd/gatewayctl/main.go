// gatewayctl accepts field-agent sockets and serves the command plane.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/fieldgate/internal/config"
	"github.com/danmuck/fieldgate/internal/gateway"
	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "cmd/gatewayctl/config.toml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("gatewayctl", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultConfigPath, "gateway TOML config path")
	logLevel := flags.String("log-level", "", "override log level (trace|debug|info|warn|error|off)")
	writeTemplate := flags.Bool("write-template", false, "write a config template to --config and exit")
	force := flags.Bool("force", false, "overwrite an existing config with --write-template")
	validate := flags.Bool("validate", false, "validate --config and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime("gatewayctl")
	if *logLevel != "" && !logging.SetLevel(*logLevel) {
		return fmt.Errorf("unknown log level %q", *logLevel)
	}

	if *writeTemplate {
		if err := config.WriteTemplate(*configPath, "gateway", *force); err != nil {
			return err
		}
		log.Info().Str("path", *configPath).Msg("gatewayctl wrote config template")
		return nil
	}

	cfg, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		return err
	}
	if *validate {
		log.Info().Str("path", *configPath).Msg("gatewayctl config valid")
		return nil
	}
	return gateway.NewService(cfg).Run()
}
