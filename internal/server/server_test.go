package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/logstore"
	"github.com/roach88/factsync/internal/metrics"
)

var (
	nsUser = "316ea470-ce35-4adf-9c61-e0de6e289c59"
	alice  = uuid.MustParse("0191f3a0-0000-7000-8000-000000000001")
	txA    = uuid.MustParse("0191f3a0-0000-7000-8000-00000000000a")
	txB    = uuid.MustParse("0191f3a0-0000-7000-8000-00000000000b")
)

type testServer struct {
	*httptest.Server
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	logs, err := logstore.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	m := metrics.New()
	ts := httptest.NewServer(New(cfg, logs, m, nil).Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, metrics: m}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er), string(body))
	return er.Error.Code
}

func namePart(name string) ir.TxPart {
	return ir.TxPart{E: ir.Stable(alice), A: ":person/name", V: ir.String(name), Added: true}
}

// pushTx uploads parts and the header, then moves the head.
func (ts *testServer) pushTx(t *testing.T, prefix string, id, parent uuid.UUID, parts ...ir.TxPart) {
	t.Helper()
	chunks := []uuid.UUID{}
	for _, p := range parts {
		c := ir.MustChunkID(p)
		resp, body := ts.do(t, http.MethodPut, prefix+"/"+nsUser+"/chunks/"+c.String(), p)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		chunks = append(chunks, c)
	}
	resp, body := ts.do(t, http.MethodPut, prefix+"/"+nsUser+"/transactions/"+id.String(),
		PutTransactionBody{Parent: parent, Chunks: chunks})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = ts.do(t, http.MethodPut, prefix+"/"+nsUser+"/head", HeadBody{Head: id})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
}

func TestHeadOfEmptyNamespace(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := ts.do(t, http.MethodGet, "/"+nsUser+"/head", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var hb HeadBody
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.Equal(t, ir.EmptyHead, hb.Head)
}

func TestPushAndReadBack(t *testing.T) {
	ts := newTestServer(t, Config{})
	p := namePart("Alice")
	ts.pushTx(t, "", txA, ir.EmptyHead, ir.InstantPart(1700000000000000), p)

	resp, body := ts.do(t, http.MethodGet, "/"+nsUser+"/head", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"head":"`+txA.String()+`"}`, string(body))

	resp, body = ts.do(t, http.MethodGet, "/"+nsUser+"/transactions/"+txA.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h ir.TxHeader
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, txA, h.ID)
	assert.Equal(t, ir.EmptyHead, h.Parent)
	assert.Len(t, h.Chunks, 2)
	assert.Equal(t, int64(1), h.Seq)

	resp, body = ts.do(t, http.MethodGet, "/"+nsUser+"/chunks/"+ir.MustChunkID(p).String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	want, err := p.Canonical()
	require.NoError(t, err)
	assert.Equal(t, want, body)
}

func TestListTransactions(t *testing.T) {
	ts := newTestServer(t, Config{ListLimit: 1})
	ts.pushTx(t, "", txA, ir.EmptyHead, namePart("Alice"))
	ts.pushTx(t, "", txB, txA, namePart("Alicia"))

	resp, body := ts.do(t, http.MethodGet, "/"+nsUser+"/transactions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page ListBody
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 1, page.Limit)
	assert.Equal(t, ir.EmptyHead, page.From)
	assert.Equal(t, []uuid.UUID{txA}, page.Transactions)

	resp, body = ts.do(t, http.MethodGet, "/"+nsUser+"/transactions?from="+txA.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, []uuid.UUID{txB}, page.Transactions)

	resp, body = ts.do(t, http.MethodGet, "/"+nsUser+"/transactions?from="+txB.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Empty(t, page.Transactions)
	assert.NotNil(t, page.Transactions)
}

func TestListLimitIsCapped(t *testing.T) {
	ts := newTestServer(t, Config{ListLimit: 1})
	ts.pushTx(t, "", txA, ir.EmptyHead, namePart("Alice"))
	ts.pushTx(t, "", txB, txA, namePart("Alicia"))

	resp, body := ts.do(t, http.MethodGet, "/"+nsUser+"/transactions?limit=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page ListBody
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 1, page.Limit)
	assert.Len(t, page.Transactions, 1)
}

func TestUnknownResourcesAre404(t *testing.T) {
	ts := newTestServer(t, Config{})
	missing := uuid.MustParse("0191f3a0-0000-7000-8000-0000000000ff")

	for _, path := range []string{
		"/" + nsUser + "/transactions/" + missing.String(),
		"/" + nsUser + "/chunks/" + missing.String(),
		"/" + nsUser + "/transactions?from=" + missing.String(),
	} {
		t.Run(path, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "bad_remote_state", errorCode(t, body))
		})
	}
}

func TestConflictsAre409(t *testing.T) {
	ts := newTestServer(t, Config{})
	p := namePart("Alice")
	ts.pushTx(t, "", txA, ir.EmptyHead, p)

	t.Run("chunk with different content", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPut, "/"+nsUser+"/chunks/"+ir.MustChunkID(p).String(), namePart("Mallory"))
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "duplicate_metadata", errorCode(t, body))
	})

	t.Run("header with different content", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPut, "/"+nsUser+"/transactions/"+txA.String(),
			PutTransactionBody{Parent: txB, Chunks: []uuid.UUID{ir.MustChunkID(p)}})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "duplicate_metadata", errorCode(t, body))
	})

	t.Run("header with unknown chunk", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPut, "/"+nsUser+"/transactions/"+txB.String(),
			PutTransactionBody{Parent: txA, Chunks: []uuid.UUID{uuid.MustParse("0191f3a0-0000-7000-8000-0000000000ff")}})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "bad_remote_state", errorCode(t, body))
	})

	t.Run("identical header is accepted", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPut, "/"+nsUser+"/transactions/"+txA.String(),
			PutTransactionBody{Parent: ir.EmptyHead, Chunks: []uuid.UUID{ir.MustChunkID(p)}})
		assert.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	})
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"namespace not a uuid", http.MethodGet, "/not-a-uuid/head", nil},
		{"tx not a uuid", http.MethodGet, "/" + nsUser + "/transactions/xyz", nil},
		{"bad from", http.MethodGet, "/" + nsUser + "/transactions?from=xyz", nil},
		{"bad limit", http.MethodGet, "/" + nsUser + "/transactions?limit=-3", nil},
		{"head body not json", http.MethodPut, "/" + nsUser + "/head", "{"},
		{"head body unknown field", http.MethodPut, "/" + nsUser + "/head", `{"head":"` + txA.String() + `","x":1}`},
		{"chunk with float", http.MethodPut, "/" + nsUser + "/chunks/" + txA.String(),
			`{"e":"` + alice.String() + `","a":":person/age","v":1.5,"added":true}`},
		{"chunk without value", http.MethodPut, "/" + nsUser + "/chunks/" + txA.String(),
			`{"e":"` + alice.String() + `","a":":person/age","added":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, codeBadRequest, errorCode(t, body))
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, Config{MaxBodyBytes: 16})

	resp, _ := ts.do(t, http.MethodPut, "/"+nsUser+"/head", `{"head":"`+txA.String()+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPrefixMount(t *testing.T) {
	ts := newTestServer(t, Config{Prefix: "/api/0.1/"})
	ts.pushTx(t, "/api/0.1", txA, ir.EmptyHead, namePart("Alice"))

	resp, body := ts.do(t, http.MethodGet, "/api/0.1/"+nsUser+"/head", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"head":"`+txA.String()+`"}`, string(body))

	resp, _ = ts.do(t, http.MethodGet, "/"+nsUser+"/head", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.pushTx(t, "", txA, ir.EmptyHead, namePart("Alice"))

	other := "5a1d5d5e-0000-4000-8000-000000000002"
	resp, body := ts.do(t, http.MethodGet, "/"+other+"/head", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"head":"`+ir.EmptyHead.String()+`"}`, string(body))
}

func TestRateLimitPerNamespace(t *testing.T) {
	ts := newTestServer(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/"+nsUser+"/head", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := ts.do(t, http.MethodGet, "/"+nsUser+"/head", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, codeRateLimited, errorCode(t, body))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RateLimited))

	resp, _ = ts.do(t, http.MethodGet, "/5a1d5d5e-0000-4000-8000-000000000002/head", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	ts.do(t, http.MethodGet, "/"+nsUser+"/head", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		ts.metrics.ServerRequests.WithLabelValues("GET /{namespace}/head", "200")))

	resp, body = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "factsync_server_requests_total")
}
