package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/bridge"
)

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	versionFlag bool

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "recbridge",
	Short: "recbridge - one request/response and push protocol over several transports",
	Long: `recbridge carries analytic events, recommendation requests and save_state
pushes between a client and a server over WebSocket, gRPC, a Unix socket,
or a plain HTTP JSON API, so the transports can be compared side by side.`,
	Version:       bridge.DefaultVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if versionFlag {
			return nil
		}
		return initLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFlag {
			fmt.Printf("recbridge version %s\n", bridge.GetVersion())
			return nil
		}
		return cmd.Help()
	},
}

// initLogger initializes the global logger from the config file or
// environment, with CLI flags taking precedence
func initLogger() error {
	cfg := config.DefaultLoggingConfig()
	if loaded, err := loadConfig(); err == nil {
		cfg = loaded.Logging
	}

	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration from --config, or from the default
// path and environment, then applies the logging flags
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logOutput != "" {
		cfg.Logging.Output = logOutput
	}
	return cfg, nil
}

func main() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/recbridge/config.yaml)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Version flag
	rootCmd.Flags().BoolVar(&versionFlag, "version", false,
		"Show version information")

	rootCmd.AddCommand(newServeCmd(), newClientCmd())

	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		}
		os.Exit(1)
	}
}
