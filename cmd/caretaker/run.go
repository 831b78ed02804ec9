package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-tick/caretaker"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/spf13/cobra"
)

func runCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := loadFile(configPath())
			if err != nil {
				return err
			}

			log, err := logger.New(file.Log)
			if err != nil {
				return fmt.Errorf("%w: %w", caretaker.ErrInvalidConfig, err)
			}
			defer func() { _ = log.Sync() }()

			options, err := file.Build(log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := caretaker.New(ctx, caretaker.DefaultConfig(options...))
			if err != nil {
				log.Error("startup failed", logger.Error(err))
				return err
			}

			log.Info("caretaker starting", logger.String("version", version), logger.String("config", configPath()))
			runErr := engine.Run(ctx)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}

			return errors.Join(runErr, engine.Close())
		},
	}
}
