package main

import (
	"fmt"
	"os"

	"snowbird/pkg/client"
	"snowbird/pkg/config"
	"snowbird/pkg/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
	baseDir    string
	serverAddr string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snowbird",
		Short: "Local API for peer-to-peer group storage",
		Long: `Snowbird runs a local HTTP API over a peer-to-peer group storage service.
Groups hold repos of files; repos created here are writable, repos joined
from other members are read-only mirrors refreshed on demand.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "data directory (default $SNOWBIRD_HOME or ~/.snowbird)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "API address: socket path or http URL (default the socket in the data directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		groupsCmd(),
		createCmd(),
		joinCmd(),
		reposCmd(),
		refreshCmd(),
		mountCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers the config file, SNOWBIRD_* variables and flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if baseDir != "" {
		cfg.BaseDir = baseDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newClient(logger *zap.Logger) (*client.Client, error) {
	if serverAddr != "" {
		return client.New(serverAddr, logger), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.SocketFile(), logger), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("snowbird %s\n", server.Version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
