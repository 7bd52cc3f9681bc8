package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frknbasaran/pushd/pkg/config"
	"github.com/frknbasaran/pushd/pkg/logger"
	mongodb "github.com/frknbasaran/pushd/pkg/mongo"
	"github.com/frknbasaran/pushd/push"
	"github.com/frknbasaran/pushd/push/fcm"
	"github.com/frknbasaran/pushd/push/pipeline"
	"github.com/frknbasaran/pushd/push/store"
)

type runtimeConfig struct {
	Logger   logger.Config
	Mongo    mongodb.Config
	Pipeline pipeline.Config
}

func NewPushdCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pushd",
		Short: "Push notification delivery worker",
	}
	cmd.AddCommand(
		newRunCommand(),
		newClearStatsCommand(),
	)
	return cmd
}

func main() {
	if err := NewPushdCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (runtimeConfig, *slog.Logger, *store.Store, error) {
	var cfg runtimeConfig
	if err := config.Load(&cfg); err != nil {
		return cfg, nil, nil, err
	}

	log := logger.NewFromConfig(cfg.Logger, "pushd")
	logger.SetAsDefault(log)

	db, err := mongodb.NewWithDatabase(ctx, cfg.Mongo)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, log, store.New(db, logger.Component(log, "store")), nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Drain queued push records through the delivery pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fcm.Register()

			cfg, log, st, err := setup(ctx)
			if err != nil {
				return err
			}

			log.Info("starting delivery run",
				slog.Int("pool_size", cfg.Pipeline.PoolSize),
				slog.Int("batch_size", cfg.Pipeline.BatchSize),
				slog.Any("platforms", push.PlatformKeys()))

			pushes := make(chan *push.Push, cfg.Pipeline.BatchSize)
			streamErr := make(chan error, 1)
			go func() {
				defer close(pushes)
				streamErr <- st.StreamPushes(ctx, pushes)
			}()

			p := pipeline.New(cfg.Pipeline, st, logger.Component(log, "pipeline"))
			if err := p.Run(ctx, pushes); err != nil {
				return err
			}
			if err := <-streamErr; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			log.Info("delivery run finished")
			return nil
		},
	}
}

func newClearStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-stats",
		Short: "Delete per-delivery audit records past their retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, log, st, err := setup(ctx)
			if err != nil {
				return err
			}

			deleted, err := st.ClearStats(ctx)
			if err != nil {
				return err
			}
			log.Info("expired stats cleared", slog.Int64("deleted", deleted))
			return nil
		},
	}
}
