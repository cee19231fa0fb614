package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database   string
	Remote     string
	Namespace  string
	FromRemote bool
}

// LocalLogResult lists the transactions held by the local store.
type LocalLogResult struct {
	Transactions []store.TxInfo `json:"transactions"`
}

// RenderText implements TextRenderer.
func (r LocalLogResult) RenderText(w io.Writer) {
	if len(r.Transactions) == 0 {
		fmt.Fprintln(w, "No transactions.")
		return
	}
	for _, info := range r.Transactions {
		var state string
		switch {
		case info.Origin == store.OriginRemote:
			state = "pulled"
		case info.Pushed:
			state = "pushed"
		default:
			state = "pending"
		}
		fmt.Fprintf(w, "%4d  %s  %-7s  %d datom(s)\n", info.Seq, info.UUID, state, info.Datoms)
	}
}

// RemoteHeader is one remote header with its digest.
type RemoteHeader struct {
	ir.TxHeader
	Digest string `json:"digest"`
}

// RemoteLogResult lists the remote chain in causal order.
type RemoteLogResult struct {
	Headers []RemoteHeader `json:"headers"`
	Digest  string         `json:"chain_digest"`
}

// RenderText implements TextRenderer.
func (r RemoteLogResult) RenderText(w io.Writer) {
	for _, h := range r.Headers {
		fmt.Fprintf(w, "%s  parent %s  %d chunk(s)  %s\n", h.ID, h.Parent, len(h.Chunks), h.Digest[:12])
	}
	fmt.Fprintf(w, "Chain digest: %s\n", r.Digest)
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List transactions",
		Long: `List the transactions in the local store, oldest first, marking each as
pulled, pushed, or pending.

With --from-remote the remote chain is listed instead, each header with the
start of its digest, followed by the chain digest. Two logs with the same digest hold the same transactions in the
same order.

Examples:
  factsync log --db ./replica.db
  factsync log --from-remote --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local database (overrides local.db)")
	clientFlags(cmd, &opts.Remote, &opts.Namespace)
	cmd.Flags().BoolVar(&opts.FromRemote, "from-remote", false, "list the remote chain instead of the local store")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
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

	if opts.FromRemote {
		client, err := openRemote(cfg, nil, logger)
		if err != nil {
			return formatter.Fail(ExitCommandError, err, nil)
		}
		ids, err := client.ListAfter(ctx, ir.EmptyHead)
		if err != nil {
			return formatter.Fail(ExitFailure, err, nil)
		}
		headers := make([]ir.TxHeader, 0, len(ids))
		listed := make([]RemoteHeader, 0, len(ids))
		for _, id := range ids {
			h, err := client.Header(ctx, id)
			if err != nil {
				return formatter.Fail(ExitFailure, err, nil)
			}
			d, err := ir.HeaderDigest(h)
			if err != nil {
				return formatter.Fail(ExitFailure, err, nil)
			}
			headers = append(headers, h)
			listed = append(listed, RemoteHeader{TxHeader: h, Digest: d})
		}
		digest, err := ir.ChainDigest(headers)
		if err != nil {
			return formatter.Fail(ExitFailure, err, nil)
		}
		return formatter.Success(RemoteLogResult{Headers: listed, Digest: digest})
	}

	local, err := openLocal(opts.RootOptions, cfg.Local.DB)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	defer local.Close()

	infos, err := local.Transactions(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	return formatter.Success(LocalLogResult{Transactions: infos})
}
