package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-tick/caretaker"
	"github.com/go-tick/caretaker/internal/repository"
	"github.com/go-tick/caretaker/internal/store"
	"github.com/spf13/cobra"
)

// openStore opens the configured state store directly, without starting
// an engine.
func openStore(ctx context.Context, path string) (*store.Store, func() error, error) {
	file, err := loadFile(path)
	if err != nil {
		return nil, nil, err
	}

	dsn := file.State.DSN
	if dsn == "" {
		dsn = caretaker.DefaultStateDSN
	}

	repo, closeRepo, err := repository.Open(ctx, dsn)
	if err != nil {
		if errors.Is(err, repository.ErrUnsupportedBackend) {
			return nil, nil, fmt.Errorf("%w: %w", caretaker.ErrInvalidConfig, err)
		}
		return nil, nil, fmt.Errorf("%w: %w", caretaker.ErrStateStoreUnreachable, err)
	}
	return store.New(repo), closeRepo, nil
}

func deadLettersCommand(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect notifications that could not be delivered",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print dead letters as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeStore, err := openStore(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			dead, err := s.ListDeadLetters(cmd.Context(), limit, offset)
			if err != nil {
				return fmt.Errorf("%w: %w", caretaker.ErrStateStoreUnreachable, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(dead)
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries to print, 0 for all")
	list.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	remove := &cobra.Command{
		Use:   "delete EVENT_ID",
		Short: "Delete the dead letters of one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			n, err := s.DeleteDeadLetters(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%w: %w", caretaker.ErrStateStoreUnreachable, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d dead letters\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, remove)
	return cmd
}
