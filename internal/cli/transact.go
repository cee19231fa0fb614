package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/factsync/internal/config"
	"github.com/roach88/factsync/internal/ir"
)

// TransactOptions holds flags for the transact command.
type TransactOptions struct {
	*RootOptions
	Database string
}

// TransactResult describes a committed local transaction.
type TransactResult struct {
	Seq     int64                `json:"seq"`
	Instant int64                `json:"instant"`
	Parts   int                  `json:"parts"`
	TempIDs map[string]uuid.UUID `json:"tempids"`
}

// RenderText implements TextRenderer.
func (r TransactResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Committed local transaction %d (%d part(s), instant %d)\n", r.Seq, r.Parts, r.Instant)
}

// NewTransactCommand creates the transact command.
func NewTransactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transact [file]",
		Short: "Commit a local transaction",
		Long: `Commit a local transaction read from file, or from stdin when file is
omitted or "-".

The input is a JSON array of parts:

  [
    {"e": {"tempid": "alice"}, "a": ":person/name", "v": "Alice", "added": true},
    {"e": {"tempid": "alice"}, "a": ":person/friend", "ref": "0191f3a0-...", "added": true}
  ]

Entities are stable UUID strings or {"tempid": name} objects. Tempids other
than "tx" are given stable ids at commit; "tx" names the transaction itself
and is resolved when the transaction is pushed. A :db/txInstant part is added
when the input has none. The transaction is pushed by the next sync.

Examples:
  factsync transact parts.json
  echo '[...]' | factsync transact --db ./replica.db`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}
			return runTransact(opts, source, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local database (overrides local.db)")

	return cmd
}

func runTransact(opts *TransactOptions, source string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := context.Background()

	cfg, err := loadConfig(opts.RootOptions, func(c *config.Config) {
		overrideString(cmd, "db", &c.Local.DB, opts.Database)
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	setupLogging(opts.RootOptions, cfg, cmd.ErrOrStderr())

	parts, err := readParts(source, cmd.InOrStdin())
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}

	local, err := openLocal(opts.RootOptions, cfg.Local.DB)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	defer local.Close()

	tx, err := local.Transact(ctx, parts)
	if err != nil {
		return formatter.Fail(ExitFailure, err, nil)
	}

	return formatter.Success(TransactResult{
		Seq:     tx.Seq,
		Instant: tx.Instant,
		Parts:   len(tx.Parts),
		TempIDs: resolvedTempIDs(parts, tx.Parts),
	})
}

// readParts decodes the JSON part array from source ("-" is stdin).
func readParts(source string, stdin io.Reader) ([]ir.TxPart, error) {
	var (
		data []byte
		err  error
	)
	if source == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, &InputError{Message: fmt.Sprintf("reading %s: %v", source, err)}
	}

	var parts []ir.TxPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, &InputError{Message: fmt.Sprintf("decoding parts: %v", err)}
	}
	if len(parts) == 0 {
		return nil, &InputError{Message: "transaction has no parts"}
	}
	for i, p := range parts {
		if err := p.Validate(); err != nil {
			return nil, &InputError{Message: fmt.Sprintf("part %d: %v", i, err)}
		}
	}
	return parts, nil
}

// resolvedTempIDs pairs each input tempid with the stable id the store gave
// it. The committed parts may carry a leading instant part that the input
// lacked, so the two lists are aligned from the end.
func resolvedTempIDs(in, out []ir.TxPart) map[string]uuid.UUID {
	ids := make(map[string]uuid.UUID)
	offset := len(out) - len(in)
	if offset < 0 {
		return ids
	}
	for i, p := range in {
		committed := out[i+offset]
		if p.E.IsTemp() && !committed.E.IsTemp() {
			ids[p.E.TempID] = committed.E.ID
		}
		if p.Ref != nil && p.Ref.IsTemp() && committed.Ref != nil && !committed.Ref.IsTemp() {
			ids[p.Ref.TempID] = committed.Ref.ID
		}
	}
	return ids
}
