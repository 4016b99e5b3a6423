// Package cli implements the bulkmail command line tool.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/lattiq/bulkmail"
	"github.com/spf13/cobra"
)

// Config holds process level settings of the command tree.
type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

type runtimeState struct {
	configPath string
	cfg        bulkmail.Config
	verbose    bool
	writer     io.Writer
}

type runtimeKey struct{}

// DefaultConfig reads the config path from BULKMAIL_CONFIG.
func DefaultConfig() Config {
	return Config{
		ConfigPath:   os.Getenv("BULKMAIL_CONFIG"),
		OutputWriter: os.Stdout,
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "bulkmail",
		Short:         "Send templated mail to many recipients through failover endpoints",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			// Skip config loading for commands that don't need it
			if cmd.Name() == "version" {
				return nil
			}
			loaded, err := bulkmail.LoadConfig(rt.configPath)
			if err != nil {
				return err
			}
			if rt.verbose {
				loaded.Monitoring.Logging.Level = "debug"
			}
			rt.cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Enable debug logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))
	root.SetOut(rt.writer)

	root.AddCommand(
		NewSendCommand(),
		NewEndpointsCommand(),
		NewVersionCommand(),
	)
	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime state not initialized")
	}
	return rt, nil
}
