// Package noteclient is a typed HTTP wrapper over the remote note-store
// API. All calls POST JSON with a bearer token; all responses use the
// envelope {code,msg,data}.
package noteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/notecortex/recall/internal/recallerr"
)

const maxResponseBytes = 16 * 1024 * 1024

// Client is a thin typed client over the note-store HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        zerolog.Logger
}

// New constructs a Client. timeout bounds a single HTTP round trip.
func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		log:        log.With().Str("component", "noteclient").Logger(),
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// HealthResult reports reachability. HealthCheck never returns an error:
// unreachability is represented by Available=false and a populated Err.
type HealthResult struct {
	Available bool
	Version   string
	Err       error
}

// HealthCheck probes /api/system/version. It never fails the call itself.
func (c *Client) HealthCheck(ctx context.Context) HealthResult {
	var out struct {
		Version string `json:"version"`
	}
	err := c.postNoRetry(ctx, "/api/system/version", nil, &out)
	if err != nil {
		c.log.Warn().Err(err).Msg("health check failed")
		return HealthResult{Available: false, Err: err}
	}
	return HealthResult{Available: true, Version: out.Version}
}

// Row is one row of a SQL query result; shape is store-defined.
type Row map[string]any

// SQL forwards a read-only SQL statement to the note store.
func (c *Client) SQL(ctx context.Context, stmt string) ([]Row, error) {
	var out []Row
	err := c.post(ctx, "/api/query/sql", map[string]any{"stmt": stmt}, &out)
	return out, err
}

// Block is the common shape returned by any search path, before
// normalization into the retrieval engine's internal Block type.
type Block struct {
	ID        string `json:"id"`
	RootID    string `json:"root_id"`
	Hpath     string `json:"hpath"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated"`
}

// SearchOptions controls pagination and sort order of a full-text search.
type SearchOptions struct {
	Page int
	Size int
	Sort string
}

// SearchFullText calls /api/search/fullTextSearchBlock.
func (c *Client) SearchFullText(ctx context.Context, query string, opts SearchOptions) ([]Block, error) {
	req := map[string]any{"query": query}
	if opts.Page > 0 {
		req["page"] = opts.Page
	}
	if opts.Size > 0 {
		req["size"] = opts.Size
	}
	if opts.Sort != "" {
		req["sort"] = opts.Sort
	}
	var out struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.post(ctx, "/api/search/fullTextSearchBlock", req, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// BlockInfo is returned by GetBlockInfo.
type BlockInfo struct {
	Hpath     string `json:"hpath"`
	UpdatedAt string `json:"updated"`
}

// GetBlockInfo fetches display metadata for a block id.
func (c *Client) GetBlockInfo(ctx context.Context, id string) (BlockInfo, error) {
	var out BlockInfo
	err := c.post(ctx, "/api/block/getBlockInfo", map[string]any{"id": id}, &out)
	if err != nil {
		return BlockInfo{}, err
	}
	return out, nil
}

// GetBlockKramdown fetches the canonical markdown-with-attributes source
// for a block/doc id.
func (c *Client) GetBlockKramdown(ctx context.Context, id string) (string, error) {
	var out struct {
		ID       string `json:"id"`
		Kramdown string `json:"kramdown"`
	}
	if err := c.post(ctx, "/api/block/getBlockKramdown", map[string]any{"id": id}, &out); err != nil {
		return "", err
	}
	return out.Kramdown, nil
}

// Notebook is a note-store notebook (a top-level collection of docs).
type Notebook struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListNotebooks calls /api/notebook/lsNotebooks.
func (c *Client) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	var out struct {
		Notebooks []Notebook `json:"notebooks"`
	}
	if err := c.post(ctx, "/api/notebook/lsNotebooks", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Notebooks, nil
}

// WriteResult is the normalized shape of a write-side append/create call.
// The note store returns this data as any of: an object, an array of
// objects, an {ids:[...]} bag, or a bare id string; normalizeWriteResult
// discriminates between them and reduces to this single shape.
type WriteResult struct {
	ID string
}

// AppendBlock, UpdateBlock, CreateDocWithMarkdown, SetBlockAttrs, and
// GetDocByPath are specified only for completeness: the conversation
// write/routing subsystem that calls them is out of scope for this module.

// AppendBlock appends markdown content under a parent block.
func (c *Client) AppendBlock(ctx context.Context, parentID, markdown string) (WriteResult, error) {
	var raw json.RawMessage
	if err := c.post(ctx, "/api/block/appendBlock", map[string]any{
		"parentID": parentID, "data": markdown, "dataType": "markdown",
	}, &raw); err != nil {
		return WriteResult{}, err
	}
	return normalizeWriteResult(raw)
}

// UpdateBlock replaces a block's markdown content.
func (c *Client) UpdateBlock(ctx context.Context, id, markdown string) (WriteResult, error) {
	var raw json.RawMessage
	if err := c.post(ctx, "/api/block/updateBlock", map[string]any{
		"id": id, "data": markdown, "dataType": "markdown",
	}, &raw); err != nil {
		return WriteResult{}, err
	}
	return normalizeWriteResult(raw)
}

// CreateDocWithMarkdown creates a new doc under a notebook at hpath.
func (c *Client) CreateDocWithMarkdown(ctx context.Context, notebookID, hpath, markdown string) (WriteResult, error) {
	var raw json.RawMessage
	if err := c.post(ctx, "/api/filetree/createDocWithMd", map[string]any{
		"notebook": notebookID, "path": hpath, "markdown": markdown,
	}, &raw); err != nil {
		return WriteResult{}, err
	}
	return normalizeWriteResult(raw)
}

// SetBlockAttrs sets custom attributes on a block.
func (c *Client) SetBlockAttrs(ctx context.Context, id string, attrs map[string]string) error {
	return c.post(ctx, "/api/attr/setBlockAttrs", map[string]any{"id": id, "attrs": attrs}, nil)
}

// GetDocByPath resolves a doc id from its hpath within a notebook.
func (c *Client) GetDocByPath(ctx context.Context, notebookID, hpath string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/filetree/getDocByPath", map[string]any{
		"notebook": notebookID, "path": hpath,
	}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// normalizeWriteResult discriminates the four documented response shapes
// for appendBlock/createDocWithMd and reduces them to {id}. An unrecognized
// shape fails with ErrProtocol.
func normalizeWriteResult(raw json.RawMessage) (WriteResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return WriteResult{}, &recallerr.ErrProtocol{Detail: "empty write response"}
	}

	// Bare id string: "20220802180638-lhtbfty"
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return WriteResult{ID: asString}, nil
	}

	// {ids:[...]}
	var asBag struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(raw, &asBag); err == nil && len(asBag.IDs) > 0 {
		return WriteResult{ID: asBag.IDs[0]}, nil
	}

	// Array of objects: [{id:"..."}]
	var asArray []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &asArray); err == nil && len(asArray) > 0 && asArray[0].ID != "" {
		return WriteResult{ID: asArray[0].ID}, nil
	}

	// Single object: {id:"..."}
	var asObject struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil && asObject.ID != "" {
		return WriteResult{ID: asObject.ID}, nil
	}

	return WriteResult{}, &recallerr.ErrProtocol{Detail: "unrecognized write-result shape: " + string(raw)}
}

// post issues a POST with jittered exponential backoff on transient
// transport failures. A non-zero envelope code always fails immediately
// (it is not a transient condition).
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	var lastErr error
	err := backoff.Retry(func() error {
		err := c.postNoRetry(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var transportErr *recallerr.ErrTransport
		if asErrTransport(err, &transportErr) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, bo)
	if err != nil {
		return lastErr
	}
	return nil
}

func asErrTransport(err error, target **recallerr.ErrTransport) bool {
	te, ok := err.(*recallerr.ErrTransport)
	if ok {
		*target = te
	}
	return ok
}

// postNoRetry issues a single POST attempt with no retry logic.
func (c *Client) postNoRetry(ctx context.Context, path string, body any, out any) error {
	start := time.Now()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &recallerr.ErrProtocol{Detail: "marshal request: " + err.Error()}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return &recallerr.ErrTransport{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Str("path", path).Dur("elapsed", time.Since(start)).Err(err).Msg("note-store call failed")
		return &recallerr.ErrTransport{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &recallerr.ErrTransport{Op: path, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &recallerr.ErrTransport{Op: path, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &recallerr.ErrProtocol{Detail: "decode envelope: " + err.Error()}
	}
	if env.Code != 0 {
		return &recallerr.ErrRemote{Code: env.Code, Msg: env.Msg}
	}

	c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("note-store call ok")

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &recallerr.ErrProtocol{Detail: "decode data: " + err.Error()}
	}
	return nil
}
