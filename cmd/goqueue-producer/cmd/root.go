// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --config          Path to the YAML config file
//   --brokers, -b     Broker addresses (repeatable; overrides config)
//   --client-key, -k  Producer client key (default: generated UUID)
//   --log-level       debug, info, warn, error
//
// SUBCOMMANDS:
//   acquire     Acquire a producer identifier and print it
//   produce     Publish idempotent messages to a topic
//   demo        Run the full acquisition lifecycle against an embedded broker
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/config"
)

var (
	configFlag    string
	brokersFlag   []string
	clientKeyFlag string
	logLevelFlag  string

	// Shared instances, populated by loadProducerConfig.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "goqueue-producer",
	Short: "Idempotent producer for the goqueue message broker",
	Long: `goqueue-producer - publish messages exactly once.

The producer acquires a (producer ID, epoch) identity from the broker,
stamps every message with it plus a per-partition sequence number, and
lets the broker deduplicate retries and fence zombie instances.

Use "goqueue-producer [command] --help" for more information.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"Path to YAML config file")
	rootCmd.PersistentFlags().StringSliceVarP(&brokersFlag, "brokers", "b", nil,
		"Broker addresses host:port (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&clientKeyFlag, "client-key", "k", "",
		"Producer client key (default: generated)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: debug, info, warn, error")

	rootCmd.AddCommand(acquireCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadProducerConfig merges the config file and flags, then builds the
// shared logger. Called by subcommands that talk to a broker.
func loadProducerConfig() error {
	var err error
	cfg, err = config.Load(configFlag)
	if err != nil {
		return err
	}

	if len(brokersFlag) > 0 {
		cfg.Brokers = brokersFlag
	}
	if clientKeyFlag != "" {
		cfg.ClientKey = clientKeyFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if cfg.ClientKey == "" {
		// A stable key matters across restarts of the SAME logical
		// producer; a one-shot CLI run gets a throwaway identity.
		cfg.ClientKey = "cli-" + uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = newLogger(cfg.LogLevel)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
