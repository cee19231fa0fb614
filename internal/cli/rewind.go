package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
	"github.com/roach88/factsync/internal/syncer"
)

// RewindOptions holds flags for the rewind command.
type RewindOptions struct {
	*RootOptions
	Database string
}

// NewRewindCommand creates the rewind command.
func NewRewindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RewindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rewind <tx-uuid>",
		Short: "Roll the local store back to a transaction (not yet implemented)",
		Long: `Roll the local store back to the given transaction so that a diverged
replica can re-pull.

Rewinding is not implemented yet; the command always fails with E108.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRewind(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local database (overrides local.db)")

	return cmd
}

func runRewind(opts *RewindOptions, target string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	to, err := uuid.Parse(target)
	if err != nil {
		return formatter.Fail(ExitCommandError, &InputError{Message: fmt.Sprintf("transaction %q: %v", target, err)}, nil)
	}

	cfg, err := loadConfig(opts.RootOptions, func(c *config.Config) {
		overrideString(cmd, "db", &c.Local.DB, opts.Database)
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	logger := setupLogging(opts.RootOptions, cfg, cmd.ErrOrStderr())

	local, err := openLocal(opts.RootOptions, cfg.Local.DB)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	defer local.Close()

	s := syncer.New(local, nil, syncer.WithLogger(logger))
	if err := s.Rewind(context.Background(), to); err != nil {
		return formatter.Fail(ExitFailure, err, nil)
	}
	return formatter.Success(fmt.Sprintf("Rewound to %s", to))
}
