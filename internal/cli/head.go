package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
)

// HeadOptions holds flags for the head command.
type HeadOptions struct {
	*RootOptions
	Database  string
	Remote    string
	Namespace string
	Fetch     bool
}

// HeadResult reports where a replica stands.
type HeadResult struct {
	Local      uuid.UUID  `json:"local_head"`
	LastRemote uuid.UUID  `json:"last_remote_head"`
	Pending    int        `json:"pending"`
	Live       *uuid.UUID `json:"live_remote_head,omitempty"`
}

// RenderText implements TextRenderer.
func (r HeadResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Local head:       %s\n", r.Local)
	fmt.Fprintf(w, "Last remote head: %s\n", r.LastRemote)
	if r.Live != nil {
		fmt.Fprintf(w, "Live remote head: %s\n", *r.Live)
	}
	fmt.Fprintf(w, "Pending pushes:   %d\n", r.Pending)
}

// NewHeadCommand creates the head command.
func NewHeadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HeadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "head",
		Short: "Show the local and remote heads",
		Long: `Show the local head, the remote head recorded by the last sync, and the
number of local transactions waiting to be pushed.

With --fetch the remote's current head is read as well.

Examples:
  factsync head --db ./replica.db
  factsync head --fetch --remote http://localhost:8080 --namespace 316ea470-ce35-4adf-9c61-e0de6e289c59`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHead(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local database (overrides local.db)")
	clientFlags(cmd, &opts.Remote, &opts.Namespace)
	cmd.Flags().BoolVar(&opts.Fetch, "fetch", false, "also read the remote's current head")

	return cmd
}

func runHead(opts *HeadOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := context.Background()

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
	defer local.Close()

	var result HeadResult
	if result.Local, err = local.CurrentLocalHead(ctx); err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	if result.LastRemote, err = local.RemoteHead(ctx); err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	if result.Pending, err = local.PendingCount(ctx); err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}

	if opts.Fetch {
		client, err := openRemote(cfg, nil, logger)
		if err != nil {
			return formatter.Fail(ExitCommandError, err, nil)
		}
		live, err := client.Head(ctx)
		if err != nil {
			return formatter.Fail(ExitFailure, err, result)
		}
		result.Live = &live
	}

	return formatter.Success(result)
}
