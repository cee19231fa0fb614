package syncer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/metrics"
	"github.com/roach88/factsync/internal/remap"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/txlog"
)

// LocalStore is the local side of a pass. *store.Store implements it.
type LocalStore interface {
	CurrentLocalHead(ctx context.Context) (uuid.UUID, error)
	AdvanceLocalHead(ctx context.Context, head uuid.UUID) error
	HasTransaction(ctx context.Context, id uuid.UUID) (bool, error)
	Apply(ctx context.Context, req store.ApplyRequest) (store.ApplyReport, error)
	LocalTransactionsSince(ctx context.Context, since uuid.UUID) ([]store.LocalTx, error)
	AssignTxUUID(ctx context.Context, seq int64, id uuid.UUID) error
	ReassignTxUUID(ctx context.Context, seq int64, id uuid.UUID) error
	MarkPushed(ctx context.Context, seq int64) error
	ConfirmPushed(ctx context.Context, id uuid.UUID) error
	SetRemoteHead(ctx context.Context, head uuid.UUID) error
}

var _ LocalStore = (*store.Store)(nil)

// Options selects the phases of a pass. The zero value runs all of them.
type Options struct {
	// PullOnly stops after Apply.
	PullOnly bool

	// PushOnly skips Pull and Apply. The remote head must already equal
	// the local head.
	PushOnly bool
}

// Report summarizes a pass. On failure it holds the progress made before
// the error. RemoteHead is the last remote head the pass observed; it is
// the empty head when a push-only pass had nothing to push.
type Report struct {
	Pulled         int       `json:"pulled"`
	Applied        int       `json:"applied"`
	Skipped        int       `json:"skipped"`
	Pushed         int       `json:"pushed"`
	ChunksUploaded int       `json:"chunks_uploaded"`
	LocalHead      uuid.UUID `json:"local_head"`
	RemoteHead     uuid.UUID `json:"remote_head"`
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithAllocator sets the allocator for tempids in pulled transactions.
// Defaults to remap.UUIDv7Allocator.
func WithAllocator(a remap.Allocator) Option {
	return func(s *Synchronizer) {
		s.alloc = a
	}
}

// WithTxIDs sets the allocator for the UUIDs of pushed transactions.
// Defaults to remap.UUIDv7Allocator.
func WithTxIDs(a remap.Allocator) Option {
	return func(s *Synchronizer) {
		s.txIDs = a
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = l
	}
}

// WithMetrics records pass outcomes and counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// Synchronizer runs sync passes between one local store and one log.
//
// Passes on one Synchronizer are serialized. Nothing survives a pass
// except what the local store and the log persist.
type Synchronizer struct {
	local   LocalStore
	remote  txlog.Log
	alloc   remap.Allocator
	txIDs   remap.Allocator
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// New creates a Synchronizer.
func New(local LocalStore, remote txlog.Log, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		local:  local,
		remote: remote,
		alloc:  remap.UUIDv7Allocator{},
		txIDs:  remap.UUIDv7Allocator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs one pass. Every failure is a *txlog.Error.
func (s *Synchronizer) Sync(ctx context.Context, opts Options) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.PullOnly && opts.PushOnly {
		return Report{}, txlog.NewUnexpectedState("pull-only and push-only are mutually exclusive")
	}

	start := time.Now()
	var rep Report
	err := s.run(ctx, opts, &rep)

	result := "ok"
	if err != nil {
		result = strings.ToLower(string(txlog.KindOf(err)))
		s.logger.Warn("sync pass failed", "err", err, "applied", rep.Applied, "pushed", rep.Pushed)
	} else {
		s.logger.Info("sync pass finished",
			"pulled", rep.Pulled,
			"applied", rep.Applied,
			"skipped", rep.Skipped,
			"pushed", rep.Pushed,
			"chunks", rep.ChunksUploaded,
			"local_head", rep.LocalHead,
			"remote_head", rep.RemoteHead,
		)
	}
	s.metrics.ObserveSync(result, time.Since(start))
	s.metrics.AddTransactions("pulled", rep.Pulled)
	s.metrics.AddTransactions("applied", rep.Applied)
	s.metrics.AddTransactions("skipped", rep.Skipped)
	s.metrics.AddTransactions("pushed", rep.Pushed)
	s.metrics.AddChunksUploaded(rep.ChunksUploaded)
	return rep, err
}

func (s *Synchronizer) run(ctx context.Context, opts Options, rep *Report) error {
	head, err := s.local.CurrentLocalHead(ctx)
	if err != nil {
		return localErr("read local head", err)
	}
	rep.LocalHead = head

	if !opts.PushOnly {
		txs, err := s.remote.TransactionsAfter(ctx, head)
		if err != nil {
			return err
		}
		rep.Pulled = len(txs)
		for _, tx := range txs {
			if err := s.applyOne(ctx, tx, rep); err != nil {
				return err
			}
		}
		rep.RemoteHead = rep.LocalHead
		if len(txs) > 0 {
			if err := s.local.SetRemoteHead(ctx, rep.RemoteHead); err != nil {
				return localErr("record remote head", err)
			}
		}
	}
	if opts.PullOnly {
		return nil
	}

	pending, err := s.local.LocalTransactionsSince(ctx, rep.LocalHead)
	if err != nil {
		return localErr("collect local transactions", err)
	}
	return s.push(ctx, pending, rep)
}

// Rewind would move the local head back to an earlier transaction. It is
// a recovery operation that does not exist yet.
func (s *Synchronizer) Rewind(ctx context.Context, to uuid.UUID) error {
	return txlog.NewNotYetImplemented("rewind to " + to.String())
}

// localErr wraps a local store failure unless it is already typed.
func localErr(op string, err error) error {
	if txlog.KindOf(err) != "" {
		return err
	}
	return txlog.NewStoreError(op, err)
}
