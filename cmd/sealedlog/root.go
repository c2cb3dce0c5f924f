package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"sealedlog/internal/config"
	"sealedlog/internal/eventlog"
	"sealedlog/internal/ledger"
	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sealedlog",
	Short: "Tamper-evident encrypted session logging",
	Long: `sealedlog records high-frequency events into session logs where every
line is encrypted and authenticated under a fresh one-time key.

The session key is sealed to a recipient public key and stored as the first
line of the log. Nothing in the recording process can read a log back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: search . and the data dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// app holds the process-wide pieces shared by the session commands.
type app struct {
	loader  *config.Loader
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	ledger  *ledger.Ledger
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func setup() (*app, error) {
	loader := config.NewLoader(configPath())
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	a := &app{loader: loader, cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace, prometheus.NewRegistry())
	}

	if cfg.Ledger.Enabled {
		busy := time.Duration(cfg.Ledger.BusyTimeoutMs) * time.Millisecond
		a.ledger, err = ledger.Open(cfg.Ledger.Path, busy)
		if err != nil {
			logger.Warn("session ledger unavailable", "path", cfg.Ledger.Path, "error", err)
		}
	}

	return a, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		lc.Level = logging.LevelDebug
	}
	return logging.New(lc)
}

func (a *app) deps() eventlog.Deps {
	return eventlog.Deps{
		Logger:  a.logger,
		Metrics: a.metrics,
		Ledger:  a.ledger,
	}
}

func (a *app) close() {
	if a.ledger != nil {
		a.ledger.Close()
	}
	a.loader.Close()
	a.logger.Close()
}
