package main

import (
	"fmt"

	"github.com/go-tick/caretaker"
	"github.com/go-tick/caretaker/internal/config"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "caretaker",
		Short:         "Scheduled health checks and housekeeping",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		fmt.Sprintf("config file (default $CARETAKER_CONFIG or %s)", config.DefaultPath))

	configPath := func() string {
		if cfgFile != "" {
			return cfgFile
		}
		return config.Path(config.DefaultPath)
	}

	root.AddCommand(
		runCommand(configPath),
		validateCommand(configPath),
		deadLettersCommand(configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "caretaker %s\n", version)
			},
		},
	)

	return root
}

// loadFile reads and validates the config file. Every error it returns
// wraps caretaker.ErrInvalidConfig.
func loadFile(path string) (*config.File, error) {
	file, err := config.Load[config.File](path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", caretaker.ErrInvalidConfig, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", caretaker.ErrInvalidConfig, err)
	}
	return file, nil
}

func validateCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := loadFile(configPath())
			if err != nil {
				return err
			}
			if _, err := file.Build(logger.NewNop()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs, %d rotations\n", configPath(), len(file.Jobs), len(file.Rotations))
			return nil
		},
	}
}
