// Package backendless implements the remote backend contracts against a
// Backendless application: the Data service for table CRUD and the File
// service for blobs.
package backendless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
)

// tableNotFoundCode is the Backendless fault code for a missing data table.
const tableNotFoundCode = 1009

const defaultHTTPTimeout = 15 * time.Second

// Client talks to the Backendless Data service. It satisfies
// [remote.DataClient].
//
// Backendless keys records by objectId; the client normalises that to "id"
// on every record it returns, and translates back on writes.
type Client struct {
	baseURL string
	appID   string
	apiKey  string
	// adminKey is the REST key of an unrestricted role. Elevated mode swaps
	// it in for writes that table permissions would otherwise reject.
	adminKey string
	hc       *http.Client
	log      *slog.Logger

	mu       sync.Mutex
	elevated bool
}

// NewClient creates a Client for the given application. adminKey may be empty
// when elevated operations are never needed.
func NewClient(baseURL, appID, apiKey, adminKey string, logger *slog.Logger) (*Client, error) {
	if appID == "" || apiKey == "" {
		return nil, fmt.Errorf("backendless app id and api key are required")
	}
	if baseURL == "" {
		baseURL = "https://api.backendless.com"
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		appID:    appID,
		apiKey:   apiKey,
		adminKey: adminKey,
		hc:       &http.Client{Timeout: defaultHTTPTimeout},
		log:      logger,
	}, nil
}

func (c *Client) key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.elevated && c.adminKey != "" {
		return c.adminKey
	}
	return c.apiKey
}

// RunElevated enables elevated mode, runs fn, and disables elevated mode
// again regardless of how fn returns.
func (c *Client) RunElevated(ctx context.Context, fn func(remote.DataClient) error) error {
	if c.adminKey == "" {
		return fmt.Errorf("elevated mode requires an admin REST key")
	}
	c.mu.Lock()
	c.elevated = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.elevated = false
		c.mu.Unlock()
	}()
	return fn(c)
}

// dataURL builds the Data service endpoint for table using the key for the
// current mode.
func (c *Client) dataURL(table string) string {
	return fmt.Sprintf("%s/%s/%s/data/%s", c.baseURL, c.appID, c.key(), url.PathEscape(table))
}

// Get reads rows from table according to q.
func (c *Client) Get(ctx context.Context, table string, q remote.Query) ([]model.Record, error) {
	params := url.Values{}
	if len(q.Filter) > 0 {
		clauses := make([]string, 0, len(q.Filter))
		for col, val := range q.Filter {
			clauses = append(clauses, fmt.Sprintf("%s = '%s'", col, strings.ReplaceAll(val, "'", "''")))
		}
		params.Set("where", strings.Join(clauses, " and "))
	}
	if len(q.Select) > 0 {
		params.Set("props", strings.Join(q.Select, ","))
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		params.Set("sortBy", q.OrderBy+" "+dir)
	}
	if q.Limit > 0 {
		params.Set("pageSize", strconv.Itoa(q.Limit))
	}

	endpoint := c.dataURL(table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var rows []model.Record
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i] = normalize(rows[i])
	}
	return rows, nil
}

// GetByID reads the row with the given objectId.
func (c *Client) GetByID(ctx context.Context, table, id string) (model.Record, error) {
	var row model.Record
	endpoint := c.dataURL(table) + "/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &row); err != nil {
		return nil, err
	}
	return normalize(row), nil
}

// Insert creates a row and returns the created representation, including the
// assigned objectId (normalised to "id").
func (c *Client) Insert(ctx context.Context, table string, record model.Record) (model.Record, error) {
	var created model.Record
	if err := c.do(ctx, http.MethodPost, c.dataURL(table), denormalize(record), &created); err != nil {
		return nil, err
	}
	return normalize(created), nil
}

// Update patches the row with the given objectId.
func (c *Client) Update(ctx context.Context, table, id string, patch model.Record) (model.Record, error) {
	var updated model.Record
	endpoint := c.dataURL(table) + "/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPut, endpoint, denormalize(patch), &updated); err != nil {
		return nil, err
	}
	return normalize(updated), nil
}

// Delete removes the row with the given objectId.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	endpoint := c.dataURL(table) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Upsert saves each record via the Data service's deep-save endpoint, which
// merges on objectId. conflictKey is accepted for interface parity; records
// carrying an id merge, the rest insert.
func (c *Client) Upsert(ctx context.Context, table string, records []model.Record, conflictKey string) ([]model.Record, error) {
	merged := make([]model.Record, 0, len(records))
	for _, r := range records {
		var saved model.Record
		if err := c.do(ctx, http.MethodPut, c.dataURL(table), denormalize(r), &saved); err != nil {
			return merged, fmt.Errorf("upserting into %s: %w", table, err)
		}
		merged = append(merged, normalize(saved))
	}
	return merged, nil
}

// do executes one Data service request. body is JSON-encoded when non-nil;
// the response is decoded into out when non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("executing %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// apiError maps a Backendless fault onto the remote error taxonomy.
func apiError(resp *http.Response) error {
	var fault struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &fault)

	if fault.Code == tableNotFoundCode || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("backendless: %s: %w", fault.Message, remote.ErrTableMissing)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("backendless returned 401 Unauthorized — check the REST key")
	}
	if fault.Message != "" {
		return fmt.Errorf("backendless fault %d: %s", fault.Code, fault.Message)
	}
	return fmt.Errorf("backendless returned unexpected status %d", resp.StatusCode)
}

// normalize moves objectId under "id" and drops Backendless bookkeeping
// columns so records look the same regardless of backend.
func normalize(r model.Record) model.Record {
	if r == nil {
		return nil
	}
	out := r.Clone()
	if oid, ok := out["objectId"]; ok {
		out["id"] = oid
		delete(out, "objectId")
	}
	delete(out, "___class")
	delete(out, "ownerId")
	return out
}

// denormalize is the write-direction inverse of normalize.
func denormalize(r model.Record) model.Record {
	out := r.Clone()
	if id, ok := out["id"]; ok {
		out["objectId"] = id
		delete(out, "id")
	}
	return out
}
