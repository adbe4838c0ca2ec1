package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mural/internal/logging"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "mural",
		Short:   "Collaborative canvas painter",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file")
	cmd.AddCommand(paintCmd(&configPath))
	cmd.AddCommand(tokenCmd(&configPath))
	return cmd
}
