// Package remote implements txlog.Log over HTTP.
//
// A Client is bound to one namespace: every path is relative to
// {base}/{namespace}. Calls block until the response is fully read and
// return either a value or a typed *txlog.Error. The client never retries;
// retry policy belongs to whoever drives the sync pass.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/metrics"
	"github.com/roach88/factsync/internal/txlog"
)

// DefaultTimeout bounds one request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config is the connection configuration, the only state a Client owns.
type Config struct {
	// BaseURL is the service root, e.g. "https://example.com/api/0.1".
	BaseURL string

	// Namespace scopes the log, typically one per user or store.
	Namespace uuid.UUID

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sends requests through a copy of hc instead of a fresh
// client. The copy takes Config.Timeout; hc itself is left unchanged.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithMetrics records per-request counters and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client is a txlog.Log backed by the HTTP wire protocol.
type Client struct {
	uri       string
	namespace uuid.UUID
	hc        *http.Client
	rest      *resty.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

var (
	_ txlog.Log    = (*Client)(nil)
	_ txlog.Reader = (*Client)(nil)
)

// BoundURI joins a base URL and a namespace into the root all requests
// are relative to.
func BoundURI(base string, namespace uuid.UUID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("base url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base url %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q: missing host", base)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("base url %q: must not carry a query or fragment", base)
	}
	return strings.TrimRight(base, "/") + "/" + namespace.String(), nil
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	uri, err := BoundURI(cfg.BaseURL, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{uri: uri, namespace: cfg.Namespace}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.hc != nil {
		// SetTimeout writes through to the http.Client; keep the caller's intact.
		hc := *c.hc
		c.rest = resty.NewWithClient(&hc)
	} else {
		c.rest = resty.New()
	}
	c.rest.
		SetBaseURL(uri).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{c.logger})
	return c, nil
}

// URI returns the bound root, {base}/{namespace}.
func (c *Client) URI() string {
	return c.uri
}

// Namespace returns the namespace the client is bound to.
func (c *Client) Namespace() uuid.UUID {
	return c.namespace
}

func (c *Client) String() string {
	return "remote(" + c.uri + ")"
}

type headBody struct {
	Head *uuid.UUID `json:"head"`
}

type listBody struct {
	Limit        int         `json:"limit"`
	From         uuid.UUID   `json:"from"`
	Transactions []uuid.UUID `json:"transactions"`
}

type putTransactionBody struct {
	Parent uuid.UUID   `json:"parent"`
	Chunks []uuid.UUID `json:"chunks"`
}

// Head implements txlog.Log.
func (c *Client) Head(ctx context.Context) (uuid.UUID, error) {
	resp, err := c.execute("get head", http.MethodGet, "/head", c.request(ctx))
	if err != nil {
		return uuid.Nil, err
	}
	if err := c.expect("get head", resp, http.StatusOK); err != nil {
		return uuid.Nil, err
	}
	var body headBody
	if err := decode("get head", resp, &body); err != nil {
		return uuid.Nil, err
	}
	if body.Head == nil {
		return uuid.Nil, txlog.NewBadRemoteResponse("get head: missing head field", resp.Status(), resp.StatusCode(), resp.String())
	}
	return *body.Head, nil
}

// SetHead implements txlog.Log. It expects 204 No Content.
func (c *Client) SetHead(ctx context.Context, head uuid.UUID) error {
	body, err := json.Marshal(headBody{Head: &head})
	if err != nil {
		return txlog.NewSerializationError("encode head", err)
	}
	resp, err := c.execute("set head", http.MethodPut, "/head", jsonBody(c.request(ctx), body))
	if err != nil {
		return err
	}
	return c.expect("set head", resp, http.StatusNoContent)
}

// PutChunk implements txlog.Log. The payload is the part's canonical JSON,
// so repeated writes send identical bytes. It expects 201 Created.
func (c *Client) PutChunk(ctx context.Context, chunk uuid.UUID, part ir.TxPart) error {
	payload, err := part.Canonical()
	if err != nil {
		return txlog.NewSerializationError("encode chunk "+chunk.String(), err)
	}
	resp, err := c.execute("put chunk", http.MethodPut, "/chunks/{chunk}",
		jsonBody(c.request(ctx), payload).SetPathParam("chunk", chunk.String()))
	if err != nil {
		return err
	}
	return c.expect("put chunk", resp, http.StatusCreated)
}

// PutTransaction implements txlog.Log. It expects 201 Created.
// The caller must have stored every chunk first.
func (c *Client) PutTransaction(ctx context.Context, tx, parent uuid.UUID, chunks []uuid.UUID) error {
	if chunks == nil {
		chunks = []uuid.UUID{}
	}
	body, err := json.Marshal(putTransactionBody{Parent: parent, Chunks: chunks})
	if err != nil {
		return txlog.NewSerializationError("encode transaction "+tx.String(), err)
	}
	resp, err := c.execute("put transaction", http.MethodPut, "/transactions/{tx}",
		jsonBody(c.request(ctx), body).SetPathParam("tx", tx.String()))
	if err != nil {
		return err
	}
	return c.expect("put transaction", resp, http.StatusCreated)
}

// Header implements txlog.Reader.
func (c *Client) Header(ctx context.Context, tx uuid.UUID) (ir.TxHeader, error) {
	resp, err := c.execute("get transaction", http.MethodGet, "/transactions/{tx}",
		c.request(ctx).SetPathParam("tx", tx.String()))
	if err != nil {
		return ir.TxHeader{}, err
	}
	if err := c.expect("get transaction", resp, http.StatusOK); err != nil {
		return ir.TxHeader{}, err
	}
	var h ir.TxHeader
	if err := decode("get transaction", resp, &h); err != nil {
		return ir.TxHeader{}, err
	}
	if h.ID != tx {
		return ir.TxHeader{}, txlog.NewBadRemoteState("asked for transaction %s, got %s", tx, h.ID)
	}
	if h.Chunks == nil {
		h.Chunks = []uuid.UUID{}
	}
	return h, nil
}

// Chunk implements txlog.Reader.
func (c *Client) Chunk(ctx context.Context, chunk uuid.UUID) (ir.TxPart, error) {
	resp, err := c.execute("get chunk", http.MethodGet, "/chunks/{chunk}",
		c.request(ctx).SetPathParam("chunk", chunk.String()))
	if err != nil {
		return ir.TxPart{}, err
	}
	if err := c.expect("get chunk", resp, http.StatusOK); err != nil {
		return ir.TxPart{}, err
	}
	var p ir.TxPart
	if err := decode("get chunk "+chunk.String(), resp, &p); err != nil {
		return ir.TxPart{}, err
	}
	got, err := ir.ChunkID(p)
	if err != nil {
		return ir.TxPart{}, txlog.NewSerializationError("address chunk "+chunk.String(), err)
	}
	if got != chunk {
		return ir.TxPart{}, txlog.NewBadRemoteState("asked for chunk %s, got content addressed %s", chunk, got)
	}
	return p, nil
}

// ListAfter returns the ids of every transaction after from, following
// pages until one comes back short.
func (c *Client) ListAfter(ctx context.Context, from uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	cursor := from
	for {
		page, err := c.listPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, id := range page.Transactions {
			if seen[id] || id == from {
				return nil, txlog.NewBadRemoteState("listing after %s repeats transaction %s", from, id)
			}
			seen[id] = true
			ids = append(ids, id)
		}
		if page.Limit <= 0 || len(page.Transactions) < page.Limit {
			break
		}
		cursor = page.Transactions[len(page.Transactions)-1]
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return ids, nil
}

func (c *Client) listPage(ctx context.Context, from uuid.UUID) (listBody, error) {
	resp, err := c.execute("list transactions", http.MethodGet, "/transactions",
		c.request(ctx).SetQueryParam("from", from.String()))
	if err != nil {
		return listBody{}, err
	}
	if err := c.expect("list transactions", resp, http.StatusOK); err != nil {
		return listBody{}, err
	}
	var page listBody
	if err := decode("list transactions", resp, &page); err != nil {
		return listBody{}, err
	}
	return page, nil
}

// TransactionsAfter implements txlog.Log with three nested fetches: the
// id listing, then each header, then each chunk. The result is fully
// materialized before it is returned.
func (c *Client) TransactionsAfter(ctx context.Context, from uuid.UUID) ([]ir.Tx, error) {
	ids, err := c.ListAfter(ctx, from)
	if err != nil {
		return nil, err
	}
	headers := make([]ir.TxHeader, 0, len(ids))
	for _, id := range ids {
		h, err := c.Header(ctx, id)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	if err := txlog.VerifyChain(from, headers); err != nil {
		return nil, err
	}
	return txlog.Hydrate(ctx, headers, c.Chunk)
}

// request starts a request carrying ctx.
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx)
}

// jsonBody attaches an encoded JSON body.
func jsonBody(req *resty.Request, body []byte) *resty.Request {
	return req.SetHeader("Content-Type", "application/json").SetBody(body)
}

// execute sends req and reads the whole response. Only transport failures
// are returned here; status handling is up to the caller.
func (c *Client) execute(op, method, path string, req *resty.Request) (*resty.Response, error) {
	start := time.Now()
	resp, err := req.Execute(method, path)
	code := 0
	if resp != nil {
		code = resp.StatusCode()
	}
	c.metrics.ObserveRemote(op, code, time.Since(start))
	if err != nil {
		return nil, txlog.NewNetworkError(op, err)
	}
	c.logger.Debug("remote", "op", op, "method", method, "url", resp.Request.URL, "status", code)
	return resp, nil
}

// expect maps any status other than want to a typed error.
//
//	404 on a read              BadRemoteState
//	409 with a known code      that kind
//	501                        NotYetImplemented
//	anything else              BadRemoteResponse
func (c *Client) expect(op string, resp *resty.Response, want int) error {
	code := resp.StatusCode()
	if code == want {
		return nil
	}

	remote := remoteError(resp.Body())
	switch {
	case code == http.StatusNotFound && resp.Request.Method == http.MethodGet:
		return withStatus(txlog.NewBadRemoteState("%s: %s", op, remote.messageOr("not found")), resp)
	case code == http.StatusConflict && remote.Code == kindCode(txlog.KindBadRemoteState):
		return withStatus(txlog.NewBadRemoteState("%s: %s", op, remote.Message), resp)
	case code == http.StatusConflict && remote.Code == kindCode(txlog.KindDuplicateMetadata):
		return withStatus(txlog.NewDuplicateMetadata("%s: %s", op, remote.Message), resp)
	case code == http.StatusNotImplemented:
		return withStatus(txlog.NewNotYetImplemented(op+": "+remote.messageOr("not implemented by remote")), resp)
	}
	return txlog.NewBadRemoteResponse(op, resp.Status(), code, resp.String())
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e apiError) messageOr(fallback string) string {
	if e.Message == "" {
		return fallback
	}
	return e.Message
}

// remoteError extracts {"error":{"code","message"}} from a body, or the
// zero value when the body has another shape.
func remoteError(body []byte) apiError {
	var wrapper struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return apiError{}
	}
	return wrapper.Error
}

func kindCode(k txlog.Kind) string {
	return strings.ToLower(string(k))
}

func withStatus(e *txlog.Error, resp *resty.Response) *txlog.Error {
	e.Status = resp.Status()
	e.StatusCode = resp.StatusCode()
	return e
}

func decode(op string, resp *resty.Response, v any) error {
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return txlog.NewSerializationError(op, err)
	}
	return nil
}

// restyLogger routes resty's own warnings into slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) {
	r.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "resty")
}

func (r restyLogger) Warnf(format string, v ...any) {
	r.l.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "resty")
}

func (r restyLogger) Debugf(format string, v ...any) {
	r.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "resty")
}
