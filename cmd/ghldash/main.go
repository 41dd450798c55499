package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/ghldash/internal/config"
)

const (
	appName = "ghldash"
	version = "v1.0.0"
)

var (
	configPath string
	logLevel   string
	logFile    string
	serverURL  string
	localOnly  bool

	cfg     *config.AppConfig
	logSink io.Closer
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Sales and lead response dashboard for CRM locations",
		Version: version,
		Long: `ghldash collects sold opportunities and lead response data from the
CRM API for a set of locations, aggregates them into daily, weekly and
monthly views, and serves a dashboard with CSV export.

Authorize once with 'ghldash auth url' and 'ghldash auth exchange', or
through /oauth/authorize while 'ghldash serve' is running.

While a server is running, the other commands go through its HTTP API.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if logSink != nil {
				logSink.Close()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error), overrides the config")
	flags.StringVar(&logFile, "log-file", "", "Also append JSON logs to this file")
	flags.StringVar(&serverURL, "server", "", "URL of a running 'ghldash serve' (default: the configured listen address)")
	flags.BoolVar(&localOnly, "local", false, "Open the local stores even if a server is running")

	rootCmd.AddCommand(
		newServeCmd(),
		newRefreshCmd(),
		newStatusCmd(),
		newIntervalCmd(),
		newAuthCmd(),
		newLocationsCmd(),
	)
	return rootCmd
}

// setup loads configuration and configures logging for every command
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.Log.Level = logLevel
		case "log-file":
			cfg.Log.File = logFile
		}
	})

	logSink, err = setupLogging(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}

	log.Debug().Interface("config", cfg.Redacted()).Msg("Loaded configuration")
	return nil
}

// setupLogging writes human-readable logs to a terminal and JSON
// otherwise, plus JSON to file when set
func setupLogging(level, file string) (io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var console io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	writers := []io.Writer{console}
	var closer io.Closer
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", file, err)
		}
		writers = append(writers, f)
		closer = f
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().Timestamp().Logger()
	return closer, nil
}
