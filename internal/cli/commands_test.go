package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/logstore"
	"github.com/roach88/factsync/internal/server"
	"github.com/roach88/factsync/internal/testutil"
)

const testNamespace = "316ea470-ce35-4adf-9c61-e0de6e289c59"

const aliceParts = `[
  {"e": {"tempid": "alice"}, "a": ":person/name", "v": "Alice", "added": true}
]`

const bobParts = `[
  {"e": {"tempid": "bob"}, "a": ":person/name", "v": "Bob", "added": true},
  {"e": {"tempid": "bob"}, "a": ":person/age", "v": 42, "added": true}
]`

// startLog serves an empty log database over HTTP and returns its URL.
func startLog(t *testing.T) string {
	t.Helper()
	logs, err := logstore.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	srv := server.New(server.Config{ListLimit: 2}, logs, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

type replica struct {
	db   string
	opts *RootOptions
}

// newReplica creates a replica whose entity ids carry tag 0xe0+tag and
// whose pushed transaction ids carry tag.
func newReplica(t *testing.T, tag uint32) *replica {
	t.Helper()
	return &replica{
		db: filepath.Join(t.TempDir(), "replica.db"),
		opts: &RootOptions{
			Format:   "text",
			Now:      testutil.NewDeterministicClock().Now,
			Entities: testutil.NewSequentialAllocator(0xe0 + tag),
			TxIDs:    testutil.NewSequentialAllocator(tag),
		},
	}
}

func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (r *replica) transact(t *testing.T, parts string) string {
	t.Helper()
	out, err := execute(t, NewTransactCommand(r.opts), parts, "--db", r.db)
	require.NoError(t, err, out)
	return out
}

func (r *replica) sync(t *testing.T, url string, extra ...string) (string, error) {
	t.Helper()
	args := append([]string{"--db", r.db, "--remote", url, "--namespace", testNamespace}, extra...)
	return execute(t, NewSyncCommand(r.opts), "", args...)
}

func TestTransactSyncAndLog(t *testing.T) {
	url := startLog(t)
	first := newReplica(t, 0xa)
	second := newReplica(t, 0xb)

	out := first.transact(t, aliceParts)
	assert.Contains(t, out, "Committed local transaction 1 (2 part(s)")

	out, err := first.sync(t, url)
	require.NoError(t, err, out)
	pushed := testutil.SequentialID(0xa, 1)
	assert.Contains(t, out, "Pulled 0 transaction(s)")
	assert.Contains(t, out, "Pushed 1 transaction(s), 2 chunk(s) uploaded")
	assert.Contains(t, out, "Local head:  "+pushed.String())
	assert.Contains(t, out, "Remote head: "+pushed.String())

	out, err = second.sync(t, url)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pulled 1 transaction(s): 1 applied, 0 already present")
	assert.Contains(t, out, "Pushed 0 transaction(s)")
	assert.Contains(t, out, "Local head:  "+pushed.String())

	out, err = execute(t, NewLogCommand(first.opts), "", "--db", first.db)
	require.NoError(t, err)
	assert.Contains(t, out, pushed.String()+"  pushed")

	out, err = execute(t, NewLogCommand(second.opts), "", "--db", second.db)
	require.NoError(t, err)
	assert.Contains(t, out, pushed.String()+"  pulled")
	assert.Contains(t, out, "2 datom(s)")

	out, err = execute(t, NewLogCommand(second.opts), "", "--from-remote", "--remote", url, "--namespace", testNamespace)
	require.NoError(t, err)
	assert.Contains(t, out, pushed.String()+"  parent "+uuid.Nil.String()+"  2 chunk(s)")
	assert.Contains(t, out, "Chain digest: ")
}

func TestSyncRoundTripBothWays(t *testing.T) {
	url := startLog(t)
	first := newReplica(t, 0xa)
	second := newReplica(t, 0xb)

	first.transact(t, aliceParts)
	_, err := first.sync(t, url)
	require.NoError(t, err)

	second.transact(t, bobParts)
	out, err := second.sync(t, url)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pulled 1 transaction(s): 1 applied")
	assert.Contains(t, out, "Pushed 1 transaction(s), 3 chunk(s) uploaded")

	out, err = first.sync(t, url)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pulled 1 transaction(s): 1 applied")
	assert.Contains(t, out, "Local head:  "+testutil.SequentialID(0xb, 1).String())
}

func TestSyncJSON(t *testing.T) {
	url := startLog(t)
	r := newReplica(t, 0xa)
	r.transact(t, aliceParts)
	r.opts.Format = "json"

	out, err := r.sync(t, url)
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   SyncResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Pushed)
	assert.Equal(t, 2, resp.Data.ChunksUploaded)
	assert.Equal(t, testutil.SequentialID(0xa, 1), resp.Data.RemoteHead)
	assert.Equal(t, url+"/"+testNamespace, resp.Data.Remote)
}

func TestLogFromRemoteJSON(t *testing.T) {
	url := startLog(t)
	r := newReplica(t, 0xa)
	r.transact(t, aliceParts)
	_, err := r.sync(t, url)
	require.NoError(t, err)
	r.transact(t, bobParts)
	_, err = r.sync(t, url)
	require.NoError(t, err)

	r.opts.Format = "json"
	out, err := execute(t, NewLogCommand(r.opts), "", "--from-remote", "--remote", url, "--namespace", testNamespace)
	require.NoError(t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   RemoteLogResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Headers, 2)

	headers := make([]ir.TxHeader, 0, 2)
	for _, h := range resp.Data.Headers {
		want, err := ir.HeaderDigest(h.TxHeader)
		require.NoError(t, err)
		assert.Equal(t, want, h.Digest)
		headers = append(headers, h.TxHeader)
	}
	assert.Equal(t, testutil.SequentialID(0xa, 1), headers[0].ID)
	assert.Equal(t, headers[0].ID, headers[1].Parent)
	assert.NotEqual(t, resp.Data.Headers[0].Digest, resp.Data.Headers[1].Digest)

	chain, err := ir.ChainDigest(headers)
	require.NoError(t, err)
	assert.Equal(t, chain, resp.Data.Digest)
}

func TestSyncRemoteMovedIsReported(t *testing.T) {
	url := startLog(t)
	first := newReplica(t, 0xa)
	second := newReplica(t, 0xb)

	first.transact(t, aliceParts)
	_, err := first.sync(t, url)
	require.NoError(t, err)

	second.transact(t, bobParts)
	second.opts.Format = "json"
	out, err := second.sync(t, url, "--push")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBadRemoteState, resp.Error.Code)
	assert.NotNil(t, resp.Data, "partial report is included")

	// A full pass pulls first and then succeeds.
	second.opts.Format = "text"
	out, err = second.sync(t, url)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pushed 1 transaction(s)")
}

func TestSyncPullOnly(t *testing.T) {
	url := startLog(t)
	r := newReplica(t, 0xa)
	r.transact(t, aliceParts)

	out, err := r.sync(t, url, "--pull")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pushed 0 transaction(s)")

	out, err = execute(t, NewHeadCommand(r.opts), "", "--db", r.db)
	require.NoError(t, err)
	assert.Contains(t, out, "Pending pushes:   1")
}

func TestSyncNeedsRemote(t *testing.T) {
	r := newReplica(t, 0xa)
	out, err := execute(t, NewSyncCommand(r.opts), "", "--db", r.db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
	assert.Contains(t, out, "client.base_url")
}

func TestSyncRejectsBadNamespace(t *testing.T) {
	r := newReplica(t, 0xa)
	out, err := execute(t, NewSyncCommand(r.opts), "", "--db", r.db, "--remote", "http://127.0.0.1:1", "--namespace", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestSyncUnreachableRemoteIsNetwork(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	r := newReplica(t, 0xa)
	out, err := r.sync(t, url)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E101]")
}

func TestSyncUsesConfigFile(t *testing.T) {
	url := startLog(t)
	r := newReplica(t, 0xa)
	r.transact(t, aliceParts)

	cfgPath := filepath.Join(t.TempDir(), "factsync.yaml")
	body := "client:\n  base_url: " + url + "\n  namespace: " + testNamespace + "\nlocal:\n  db: " + r.db + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	r.opts.ConfigPath = cfgPath

	out, err := execute(t, NewSyncCommand(r.opts), "")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pushed 1 transaction(s)")
}

func TestHeadFetch(t *testing.T) {
	url := startLog(t)
	first := newReplica(t, 0xa)
	second := newReplica(t, 0xb)
	first.transact(t, aliceParts)
	_, err := first.sync(t, url)
	require.NoError(t, err)

	second.opts.Format = "json"
	out, err := execute(t, NewHeadCommand(second.opts), "", "--db", second.db, "--fetch", "--remote", url, "--namespace", testNamespace)
	require.NoError(t, err, out)

	var resp struct {
		Data HeadResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, uuid.Nil, resp.Data.Local)
	require.NotNil(t, resp.Data.Live)
	assert.Equal(t, testutil.SequentialID(0xa, 1), *resp.Data.Live)
}

func TestTransactFromFileReportsTempIDs(t *testing.T) {
	r := newReplica(t, 0xa)
	r.opts.Format = "json"
	path := filepath.Join(t.TempDir(), "parts.json")
	require.NoError(t, os.WriteFile(path, []byte(bobParts), 0o600))

	out, err := execute(t, NewTransactCommand(r.opts), "", "--db", r.db, path)
	require.NoError(t, err, out)

	var resp struct {
		Data TransactResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Data.Seq)
	assert.Equal(t, 3, resp.Data.Parts)
	assert.Equal(t, testutil.DefaultEpoch.UnixMicro(), resp.Data.Instant)
	assert.Equal(t, map[string]uuid.UUID{"bob": testutil.SequentialID(0xea, 1)}, resp.Data.TempIDs)
}

func TestTransactRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", `[]`},
		{"not json", `{{`},
		{"float value", `[{"e": {"tempid": "a"}, "a": ":x/y", "v": 1.5, "added": true}]`},
		{"no value", `[{"e": {"tempid": "a"}, "a": ":x/y", "added": true}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReplica(t, 0xa)
			out, err := execute(t, NewTransactCommand(r.opts), tt.input, "--db", r.db)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error [E004]")
		})
	}
}

func TestRewindIsNotYetImplemented(t *testing.T) {
	r := newReplica(t, 0xa)
	out, err := execute(t, NewRewindCommand(r.opts), "", "--db", r.db, testutil.SequentialID(0xa, 1).String())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E108]")

	_, err = execute(t, NewRewindCommand(r.opts), "", "--db", r.db, "not-a-uuid")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeUntilCancelled(t *testing.T) {
	ready := make(chan string, 1)
	opts := &RootOptions{Format: "text", ServeReady: ready}
	cmd := NewServeCommand(opts)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--addr", "127.0.0.1:0", "--db", filepath.Join(t.TempDir(), "log.db"), "--prefix", "/api/0.1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/api/0.1/" + testNamespace + "/head")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cmd := NewServeCommand(&RootOptions{Format: "text"})
	out, err := execute(t, cmd, "", "--prefix", "no-leading-slash", "--db", filepath.Join(t.TempDir(), "log.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
	assert.Contains(t, out, "prefix")
}
