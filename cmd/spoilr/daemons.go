package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/internal/mailin"
	"github.com/charlesng35/spoilr/pkg/logger"
)

func newWorkerCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background jobs: outbound email and session write-behind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.report(runWorker(cmd.Context(), c))
		},
	}
}

func runWorker(ctx context.Context, c *cli) error {
	stack, err := bootstrapRuntime(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer stack.Shutdown()

	worker, err := stack.Worker()
	if err != nil {
		return err
	}
	logger.WithModule("worker").Info("worker started", zap.Int("concurrency", c.cfg.Jobs.Workers))
	return ignoreCanceled(worker.Run(ctx))
}

func newIngestMailCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-mail",
		Short: "Mirror the IMAP mailbox into the emails table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.report(runIngestMail(cmd.Context(), c))
		},
	}
}

func runIngestMail(ctx context.Context, c *cli) error {
	dialer, err := c.cfg.IMAP.Dialer()
	if err != nil {
		return err
	}
	stack, err := bootstrapRuntime(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer stack.Shutdown()

	classifier, err := mailin.NewClassifier(stack.DB, stack.Bus, stack.Services.Hints, c.cfg.Email.ClassifierConfig())
	if err != nil {
		return err
	}
	ingester, err := mailin.NewIngester(stack.DB, dialer, classifier, c.cfg.IMAP.IngesterConfig())
	if err != nil {
		return err
	}
	logger.WithModule("mailin").Info("ingester started",
		zap.String("host", c.cfg.IMAP.Host),
		zap.String("folder", c.cfg.IMAP.Folder),
	)
	return ingester.Run(ctx)
}

func newTickCommand(c *cli) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run the periodic maintenance sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.report(runTick(cmd.Context(), c, once))
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run every sweep once and exit")
	return cmd
}

func runTick(ctx context.Context, c *cli, once bool) error {
	stack, err := bootstrapRuntime(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer stack.Shutdown()

	ticker, err := stack.Ticker()
	if err != nil {
		return err
	}
	if once {
		return ticker.RunOnce(ctx)
	}
	return ignoreCanceled(ticker.Run(ctx))
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := initialiseDatabase(c.cfg)
			if err != nil {
				return err
			}
			closeDatabase(db, logger.WithModule("database"))
			logger.WithModule("migrate").Info("schema up to date")
			return nil
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
