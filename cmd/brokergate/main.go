// ABOUTME: Entry point for brokergate, the brokerage gateway session manager
// ABOUTME: Cobra root command with serve plus client commands against a running facade

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/brokergate/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _               _
| |__  _ __ ___ | | _____ _ __ __ _  __ _| |_ ___
| '_ \| '__/ _ \| |/ / _ \ '__/ _' |/ _' | __/ _ \
| |_) | | | (_) |   <  __/ | | (_| | (_| | ||  __/
|_.__/|_|  \___/|_|\_\___|_|  \__, |\__,_|\__\___|
                              |___/
`

// exit codes
const (
	exitError  = 1
	exitConfig = 2
)

var (
	configPath string
	facadeURL  string
	apiKey     string
	jsonOutput bool
)

// defaultConfigPath returns BROKERGATE_CONFIG; empty means environment only.
func defaultConfigPath() string {
	return os.Getenv("BROKERGATE_CONFIG")
}

// defaultFacadeURL returns BROKERGATE_URL, else the local facade on PORT (default 8000).
func defaultFacadeURL() string {
	if u := os.Getenv("BROKERGATE_URL"); u != "" {
		return u
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}
	return "http://localhost:" + port
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "brokergate",
		Short:         "Keeps a brokerage gateway session authenticated behind an authenticated REST facade",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file (YAML or TOML); empty reads the environment only")
	root.PersistentFlags().StringVar(&facadeURL, "url", defaultFacadeURL(), "facade base URL for client commands")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "facade API key for client commands")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "client", Title: "Client:"},
	)

	root.AddCommand(newServeCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newDisconnectCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if config.IsConfigError(err) {
		return exitConfig
	}
	return exitError
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	cancel()
	os.Exit(exitCode(err))
}
