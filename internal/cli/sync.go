package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
	"github.com/roach88/factsync/internal/metrics"
	"github.com/roach88/factsync/internal/syncer"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database  string
	Remote    string
	Namespace string
	PullOnly  bool
	PushOnly  bool
}

// SyncResult is the outcome of one sync pass.
type SyncResult struct {
	syncer.Report
	Remote string `json:"remote"`
}

// RenderText implements TextRenderer.
func (r SyncResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Remote: %s\n", r.Remote)
	fmt.Fprintf(w, "Pulled %d transaction(s): %d applied, %d already present\n", r.Pulled, r.Applied, r.Skipped)
	fmt.Fprintf(w, "Pushed %d transaction(s), %d chunk(s) uploaded\n", r.Pushed, r.ChunksUploaded)
	fmt.Fprintf(w, "Local head:  %s\n", r.LocalHead)
	fmt.Fprintf(w, "Remote head: %s\n", r.RemoteHead)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull remote transactions, then push local ones",
		Long: `Run one sync pass between the local store and the remote log.

The pass pulls every remote transaction after the local head and applies it
in causal order, then pushes local transactions that have never been pushed:
chunks first, then the transaction header, then the new head. A failure in
any phase stops the pass; what already committed stays committed, and the
next pass resumes from there.

Exit codes:
  0 - Pass completed
  1 - Sync failure (network, remote moved, apply rejected, etc.)
  2 - Command error (invalid config, database not openable, etc.)

Examples:
  factsync sync --remote https://log.example.com/api/0.1 --namespace 316ea470-ce35-4adf-9c61-e0de6e289c59
  factsync sync --config ./factsync.yaml --pull
  factsync sync --push --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local database (overrides local.db)")
	clientFlags(cmd, &opts.Remote, &opts.Namespace)
	cmd.Flags().BoolVar(&opts.PullOnly, "pull", false, "pull and apply only")
	cmd.Flags().BoolVar(&opts.PushOnly, "push", false, "push only")
	cmd.MarkFlagsMutuallyExclusive("pull", "push")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, func(c *config.Config) {
		overrideString(cmd, "db", &c.Local.DB, opts.Database)
		overrideString(cmd, "remote", &c.Client.BaseURL, opts.Remote)
		overrideString(cmd, "namespace", &c.Client.Namespace, opts.Namespace)
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	logger := setupLogging(opts.RootOptions, cfg, cmd.ErrOrStderr())

	local, err := openLocal(opts.RootOptions, cfg.Local.DB)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	defer func() {
		if closeErr := local.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	m := metrics.New()
	client, err := openRemote(cfg, m, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	formatter.VerboseLog("Syncing %s with %s", cfg.Local.DB, client)

	syncOpts := []syncer.Option{syncer.WithLogger(logger), syncer.WithMetrics(m)}
	if opts.Entities != nil {
		syncOpts = append(syncOpts, syncer.WithAllocator(opts.Entities))
	}
	if opts.TxIDs != nil {
		syncOpts = append(syncOpts, syncer.WithTxIDs(opts.TxIDs))
	}
	s := syncer.New(local, client, syncOpts...)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := s.Sync(ctx, syncer.Options{PullOnly: opts.PullOnly, PushOnly: opts.PushOnly})
	result := SyncResult{Report: report, Remote: client.URI()}
	if err != nil {
		return formatter.Fail(ExitFailure, err, result)
	}

	if opts.Verbose {
		_ = m.WritePrometheus(formatter.GetErrWriter())
	}
	return formatter.Success(result)
}
