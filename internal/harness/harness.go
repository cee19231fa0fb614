package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/logstore"
	"github.com/roach88/factsync/internal/remote"
	"github.com/roach88/factsync/internal/server"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/syncer"
	"github.com/roach88/factsync/internal/testutil"
	"github.com/roach88/factsync/internal/txlog"
)

// Harness is the scenario execution engine. It serves one remote log over
// HTTP and drives a set of replicas against it through the real client and
// synchronizer.
//
// Replica i (1-based) allocates entity ids from tag 0xe0+i and transaction
// ids from tag i, and stamps instants from its own DeterministicClock, so a
// scenario always produces the same ids, chunks and trace.
type Harness struct {
	logs     *logstore.Store
	ns       *logstore.Namespace
	server   *httptest.Server
	replicas map[string]*replica
	order    []string
	result   *Result
	logger   *slog.Logger
	step     int
}

type replica struct {
	name   string
	store  *store.Store
	syncer *syncer.Synchronizer
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh in-memory databases for isolation.
//
// Execution flow:
// 1. Open the remote log and serve it over HTTP
// 2. Open one local store and synchronizer per replica
// 3. Execute steps, checking expect clauses
// 4. Record final heads and the remote chain digest
// 5. Evaluate assertions
//
// An error is returned only when the scenario cannot be executed at all;
// failed expectations are reported through Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	ctx := context.Background()

	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		h.step = i + 1
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", h.step, err)
		}
	}

	if err := h.snapshot(ctx); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	nsID, err := scenario.NamespaceID()
	if err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	logs, err := logstore.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create remote log: %w", err)
	}

	h := &Harness{
		logs:     logs,
		ns:       logs.Namespace(nsID),
		replicas: make(map[string]*replica, len(scenario.Replicas)),
		result:   NewResult(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	srv := server.New(server.Config{ListLimit: scenario.ListLimit}, logs, nil, h.logger)
	h.server = httptest.NewServer(srv.Handler())

	client, err := remote.New(remote.Config{BaseURL: h.server.URL, Namespace: nsID}, remote.WithLogger(h.logger))
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	for i, name := range scenario.Replicas {
		tag := uint32(i + 1)
		entities := testutil.NewSequentialAllocator(0xe0 + tag)
		clock := testutil.NewDeterministicClock()

		st, err := store.Open(":memory:", store.WithClock(clock.Now), store.WithAllocator(entities))
		if err != nil {
			h.close()
			return nil, fmt.Errorf("failed to create store for %s: %w", name, err)
		}
		rec := &recordingLog{next: client, replica: name, h: h}
		h.replicas[name] = &replica{
			name:  name,
			store: st,
			syncer: syncer.New(st, rec,
				syncer.WithAllocator(entities),
				syncer.WithTxIDs(testutil.NewSequentialAllocator(tag)),
				syncer.WithLogger(h.logger),
			),
		}
		h.order = append(h.order, name)
	}
	return h, nil
}

func (h *Harness) close() {
	for _, r := range h.replicas {
		r.store.Close()
	}
	if h.server != nil {
		h.server.Close()
	}
	h.logs.Close()
}

func (h *Harness) trace(replica, op string, args map[string]any) {
	h.result.AddTrace(h.step, replica, op, args)
}

// executeStep runs one step. Only failures that make the rest of the
// scenario meaningless are returned; outcome mismatches become result
// errors.
func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch {
	case step.Transact != "":
		return h.executeTransact(ctx, step)
	case step.Sync != "":
		h.executeSync(ctx, step)
		return nil
	case step.Seed != nil:
		return h.executeSeed(ctx, *step.Seed)
	default:
		return fmt.Errorf("empty step")
	}
}

func (h *Harness) executeTransact(ctx context.Context, step Step) error {
	r := h.replicas[step.Transact]
	parts, err := decodeParts(step.Parts)
	if err != nil {
		return fmt.Errorf("transact %s: %w", r.name, err)
	}

	ltx, err := r.store.Transact(ctx, parts)
	if err != nil {
		kind := errorKind(err)
		h.trace(r.name, OpTransact, map[string]any{"error": kind})
		h.checkError(step.Expect, kind, err)
		return nil
	}

	h.trace(r.name, OpTransact, map[string]any{
		"seq":     ltx.Seq,
		"parts":   len(ltx.Parts),
		"instant": ltx.Instant,
	})
	h.checkError(step.Expect, "", nil)

	h.logger.Info("transact step completed", "step", h.step, "replica", r.name, "seq", ltx.Seq)
	return nil
}

func (h *Harness) executeSync(ctx context.Context, step Step) {
	r := h.replicas[step.Sync]
	opts := syncer.Options{
		PullOnly: step.Mode == ModePull,
		PushOnly: step.Mode == ModePush,
	}

	rep, err := r.syncer.Sync(ctx, opts)

	args := map[string]any{
		"pulled":          rep.Pulled,
		"applied":         rep.Applied,
		"skipped":         rep.Skipped,
		"pushed":          rep.Pushed,
		"chunks_uploaded": rep.ChunksUploaded,
		"local_head":      rep.LocalHead.String(),
		"remote_head":     rep.RemoteHead.String(),
	}
	kind := ""
	if err != nil {
		kind = errorKind(err)
		args["error"] = kind
	}
	h.trace(r.name, OpSync, args)

	h.checkError(step.Expect, kind, err)
	if step.Expect == nil {
		return
	}
	h.checkCount("pulled", step.Expect.Pulled, rep.Pulled)
	h.checkCount("applied", step.Expect.Applied, rep.Applied)
	h.checkCount("skipped", step.Expect.Skipped, rep.Skipped)
	h.checkCount("pushed", step.Expect.Pushed, rep.Pushed)
	h.checkCount("chunks", step.Expect.Chunks, rep.ChunksUploaded)

	h.logger.Info("sync step completed", "step", h.step, "replica", r.name, "error", kind)
}

// executeSeed writes a transaction straight into the remote log and moves
// the head to it.
func (h *Harness) executeSeed(ctx context.Context, seed SeedStep) error {
	id := uuid.MustParse(seed.ID)
	parent, err := h.ns.Head(ctx)
	if err != nil {
		return fmt.Errorf("seed %s: %w", id, err)
	}
	if seed.Parent != "" {
		parent = uuid.MustParse(seed.Parent)
	}

	parts, err := decodeParts(seed.Parts)
	if err != nil {
		return fmt.Errorf("seed %s: %w", id, err)
	}
	chunks, err := ir.Chunks(parts)
	if err != nil {
		return fmt.Errorf("seed %s: %w", id, err)
	}

	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		if err := h.ns.PutChunk(ctx, c.ID, c.Part); err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
		ids[i] = c.ID
	}
	if err := h.ns.PutTransaction(ctx, id, parent, ids); err != nil {
		return fmt.Errorf("seed %s: %w", id, err)
	}
	if err := h.ns.SetHead(ctx, id); err != nil {
		return fmt.Errorf("seed %s: %w", id, err)
	}

	h.trace("", OpSeed, map[string]any{
		"tx":     id.String(),
		"parent": parent.String(),
		"chunks": uuidList(ids),
	})
	return nil
}

func (h *Harness) checkError(expect *ExpectClause, kind string, err error) {
	want := ""
	if expect != nil {
		want = expect.Error
	}
	switch {
	case want == "" && err != nil:
		h.result.AddError(fmt.Sprintf("step %d: unexpected error: %v", h.step, err))
	case want != "" && err == nil:
		h.result.AddError(fmt.Sprintf("step %d: expected error %s, got success", h.step, want))
	case want != kind:
		h.result.AddError(fmt.Sprintf("step %d: expected error %s, got %s: %v", h.step, want, kind, err))
	}
}

func (h *Harness) checkCount(field string, want *int, got int) {
	if want != nil && *want != got {
		h.result.AddError(fmt.Sprintf("step %d: expected %s %d, got %d", h.step, field, *want, got))
	}
}

// snapshot records final heads and the remote chain digest.
func (h *Harness) snapshot(ctx context.Context) error {
	for _, name := range h.order {
		head, err := h.replicas[name].store.CurrentLocalHead(ctx)
		if err != nil {
			return err
		}
		h.result.LocalHeads[name] = head.String()
	}

	head, err := h.ns.Head(ctx)
	if err != nil {
		return err
	}
	h.result.RemoteHead = head.String()

	chain, err := h.ns.ListAfter(ctx, ir.EmptyHead, 0)
	if err != nil {
		return err
	}
	digest, err := ir.ChainDigest(chain)
	if err != nil {
		return err
	}
	h.result.ChainDigest = digest
	return nil
}

// decodeParts converts YAML-parsed parts to wire parts by way of their
// JSON form, so scenarios use exactly the wire syntax.
func decodeParts(raw []map[string]any) ([]ir.TxPart, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parts: %w", err)
	}
	var parts []ir.TxPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("failed to decode parts: %w", err)
	}
	for i, p := range parts {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
	}
	return parts, nil
}

// errorKind names the category of err. Untyped failures come from the
// local store.
func errorKind(err error) string {
	if kind := txlog.KindOf(err); kind != "" {
		return string(kind)
	}
	return string(txlog.KindStore)
}

func uuidList(ids []uuid.UUID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
