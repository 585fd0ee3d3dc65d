package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/internal/app"
	"github.com/charlesng35/spoilr/pkg/logger"
)

const sentryFlushTimeout = 2 * time.Second

// cli carries state shared by every subcommand once PersistentPreRunE ran.
type cli struct {
	configPath string
	cfg        *app.Config
	sentry     bool
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "spoilr",
		Short:         "Live operations for a puzzle hunt",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			c.teardown()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to configuration directory or file")

	root.AddCommand(
		newServeCommand(c),
		newWorkerCommand(c),
		newIngestMailCommand(c),
		newTickCommand(c),
		newMigrateCommand(c),
	)
	return root
}

func (c *cli) setup() error {
	cfg, err := loadApplicationConfig(c.configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg.Server.LogLevel, cfg.Server.LogFormat); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("generated runtime secret", zap.String("key", key))
	}

	if dsn := strings.TrimSpace(cfg.Sentry.DSN); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: cfg.Sentry.Environment,
			SampleRate:  cfg.Sentry.SampleRate,
		}); err != nil {
			return fmt.Errorf("initialise sentry: %w", err)
		}
		c.sentry = true
	}

	c.cfg = cfg
	return nil
}

func (c *cli) teardown() {
	if c.sentry {
		sentry.Flush(sentryFlushTimeout)
	}
	_ = logger.Sync() // best effort
}

// report forwards a daemon's fatal error to Sentry before it is returned.
func (c *cli) report(err error) error {
	if err != nil && c.sentry {
		sentry.CaptureException(err)
		sentry.Flush(sentryFlushTimeout)
	}
	return err
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
