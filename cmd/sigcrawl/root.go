package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/logging"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "sigcrawl",
		Short:        "Incremental X.com crawler and trading-signal aggregator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: user config dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override log format (json|console)")

	root.AddCommand(
		newRunCmd(opts),
		newCrawlCmd(opts),
		newDetectCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newServeCmd(opts),
		newBotTestCmd(opts),
		newOpenCmd(),
	)
	return root
}

// setup loads the configuration and builds the logger.
func (o *globalOptions) setup() (*config.Config, zerolog.Logger, error) {
	cfg, created, err := loadConfig(o.configPath)
	if err != nil {
		logger := logging.New(o.logLevel, o.logFormat)
		logger.Error().Err(err).Msg("failed to load config")
		return nil, logger, err
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.logFormat != "" {
		format = o.logFormat
	}
	logger := logging.New(level, format)

	if created != "" {
		logger.Info().Str("path", created).Msg("created default config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid config")
		return nil, logger, err
	}
	return cfg, logger, nil
}

// loadConfig reads the config file, writing the defaults on first run.
// created is the path of a newly written file.
func loadConfig(path string) (cfg *config.Config, created string, err error) {
	if path == "" {
		if path, err = config.ConfigPath(); err != nil {
			return nil, "", err
		}
	}

	cfg, err = config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		if err := cfg.Save(path); err != nil {
			return nil, "", fmt.Errorf("could not save default config: %w", err)
		}
		created = path
	} else if err != nil {
		return nil, "", err
	}

	cfg.ApplyEnv()
	return cfg, created, nil
}

// fail logs err and hands it back for cobra.
func fail(logger zerolog.Logger, err error, msg string) error {
	logger.Error().Err(err).Msg(msg)
	return err
}
