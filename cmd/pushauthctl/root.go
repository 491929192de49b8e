package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pushauth/internal/config"
	"pushauth/internal/logging"
	"pushauth/internal/sdk"
	"pushauth/internal/security"
)

type rootOptions struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
	audit  *logging.AuditLogger
}

var opts = &rootOptions{}

var rootCmd = &cobra.Command{
	Use:               "pushauthctl",
	Short:             "Push authentication factor control",
	Long:              "Enroll this device as a push factor, then approve or deny login challenges",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(newFactorCmd(), newChallengeCmd(), newConfigCmd(), newStoreCmd(), newServeCmd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func configFile() string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if path := config.FindConfigFile(); path != "" {
		return path
	}
	return config.ConfigPath()
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Logger)

	warnings, err := security.HardenProcess()
	if err != nil {
		logger.Warn("process hardening incomplete", "error", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	opts.cfg = cfg
	opts.logger = logger
	if cfg.Logging.AuditPath != "" {
		audit, err := logging.NewAuditLogger(cfg.Logging.AuditPath, logCfg)
		if err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		opts.audit = audit
	}
	return nil
}

func teardown() error {
	if err := opts.audit.Close(); err != nil {
		return err
	}
	if opts.logger != nil {
		return opts.logger.Close()
	}
	return nil
}

// openSDK opens the stores described by the loaded config.
func openSDK(reg prometheus.Registerer) (*sdk.SDK, error) {
	return sdk.New(opts.cfg, sdk.Options{
		Logger:     opts.logger.Logger,
		Registerer: reg,
		Audit:      opts.audit,
	})
}

// withSDK runs fn against a freshly opened SDK and closes it afterwards.
func withSDK(fn func(s *sdk.SDK) error) error {
	s, err := openSDK(nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
