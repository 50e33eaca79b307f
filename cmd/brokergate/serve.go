// ABOUTME: serve command: loads configuration, prints the banner and runs the gateway
// ABOUTME: Configuration errors abort before any network call

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/brokergate/internal/config"
	"github.com/2389/brokergate/internal/gateway"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Start the session manager and REST facade",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			printStartup(cmd.OutOrStdout(), cfg)

			logger := setupLogger(cfg.Logging, os.Stdout)
			logger.Info("starting brokergate",
				"config", configSource(),
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"upstream", cfg.Upstream.BaseURL,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func configSource() string {
	if configPath == "" {
		return "environment"
	}
	return configPath
}

// printStartup writes the banner and a summary of the effective configuration.
// Secrets are never printed.
func printStartup(w io.Writer, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-11s%s\n", label+":", value)
	}

	line("Config", configSource())
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Gateway", cfg.Upstream.BaseURL)
	if cfg.Process.Command != "" {
		line("Process", cfg.Process.Command)
	} else {
		line("Process", "external")
	}
	line("Account", "ib_"+cfg.Brokerage.Username)
	line("Env", cfg.Identity.Environment)

	if cfg.Tailscale.Enabled {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-11s", "Tailscale:")
		cyan.Fprint(w, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(w, " [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(w, " (ephemeral)")
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
}
