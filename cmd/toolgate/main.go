// ABOUTME: Entry point for the toolgate command line
// ABOUTME: Wires the cobra command tree and resolves the config file path

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _              _             _
 | |_ ___   ___ | | __ _  __ _| |_ ___
 | __/ _ \ / _ \| |/ _' |/ _' | __/ _ \
 | || (_) | (_) | | (_| | (_| | ||  __/
  \__\___/ \___/|_|\__, |\__,_|\__\___|
                   |___/
`

var (
	cfgFile  string
	httpAddr string
)

// getConfigPath returns the path to the config file.
// Priority: --config flag > TOOLGATE_CONFIG env var > XDG_CONFIG_HOME/toolgate/config.yaml > ~/.config/toolgate/config.yaml
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if envPath := os.Getenv("TOOLGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "toolgate", "config.yaml")
}

// loadConfig reads the resolved config file. A missing file at a default
// location yields the built-in defaults; a missing file named explicitly is
// an error.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	explicit := cfgFile != "" || os.Getenv("TOOLGATE_CONFIG") != ""
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

// gatewayAddr is the HTTP address client commands talk to.
func gatewayAddr(cfg *config.Config) string {
	if httpAddr != "" {
		return httpAddr
	}
	return cfg.Server.HTTPAddr
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Local tool-invocation gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&httpAddr, "addr", "", "Gateway HTTP address (overrides server.http_addr)")

	root.AddCommand(
		newServeCmd(),
		newHealthCmd(),
		newToolsCmd(),
		newCallCmd(),
		newRestartCmd(),
		newEventsCmd(),
	)
	return root
}

func main() {
	gateway.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
