// Package supabase implements the remote backend contracts against a
// Supabase project: PostgREST for table CRUD, Storage for blobs, and the
// realtime websocket for change notifications.
package supabase

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

// pgUndefinedTable is the Postgres error code PostgREST relays when a table
// does not exist. PGRST205 is the schema-cache equivalent.
const (
	pgUndefinedTable   = "42P01"
	pgrstMissingTable  = "PGRST205"
	defaultHTTPTimeout = 15 * time.Second
)

// Client talks to a Supabase project's PostgREST endpoint. It satisfies
// [remote.DataClient].
//
// Elevated mode swaps the anon key for the service-role key, which bypasses
// row-level security. [Client.RunElevated] guarantees the swap is undone when
// the callback returns.
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	hc         *http.Client
	log        *slog.Logger

	mu       sync.Mutex
	elevated bool
}

// NewClient creates a Client for the project at baseURL. serviceKey may be
// empty when elevated operations are never needed.
func NewClient(baseURL, anonKey, serviceKey string, logger *slog.Logger) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("supabase URL %q must be a valid http or https URL", baseURL)
	}
	if anonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		serviceKey: serviceKey,
		hc:         &http.Client{Timeout: defaultHTTPTimeout},
		log:        logger,
	}, nil
}

// apiKey returns the key for the current mode.
func (c *Client) apiKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.elevated && c.serviceKey != "" {
		return c.serviceKey
	}
	return c.anonKey
}

// RunElevated enables elevated mode, runs fn, and disables elevated mode
// again regardless of how fn returns.
func (c *Client) RunElevated(ctx context.Context, fn func(remote.DataClient) error) error {
	if c.serviceKey == "" {
		return fmt.Errorf("elevated mode requires a service-role key")
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

// Get reads rows from table according to q.
func (c *Client) Get(ctx context.Context, table string, q remote.Query) ([]model.Record, error) {
	params := url.Values{}
	if len(q.Select) > 0 {
		params.Set("select", strings.Join(q.Select, ","))
	} else {
		params.Set("select", "*")
	}
	for col, val := range q.Filter {
		params.Set(col, "eq."+val)
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		params.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var records []model.Record
	err := c.do(ctx, http.MethodGet, c.restURL(table)+"?"+params.Encode(), nil, nil, &records)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetByID reads the single row whose id column equals id.
func (c *Client) GetByID(ctx context.Context, table, id string) (model.Record, error) {
	records, err := c.Get(ctx, table, remote.Query{Filter: map[string]string{"id": id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", table, id, remote.ErrNotFound)
	}
	return records[0], nil
}

// Insert creates a row and returns the created representation, including the
// assigned id.
func (c *Client) Insert(ctx context.Context, table string, record model.Record) (model.Record, error) {
	var created []model.Record
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.do(ctx, http.MethodPost, c.restURL(table), headers, record, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("inserting into %s: empty representation returned", table)
	}
	return created[0], nil
}

// Update patches the row whose id column equals id and returns the updated
// representation, or (nil, ErrNotFound) when no row matched.
func (c *Client) Update(ctx context.Context, table, id string, patch model.Record) (model.Record, error) {
	var updated []model.Record
	headers := map[string]string{"Prefer": "return=representation"}
	endpoint := c.restURL(table) + "?id=eq." + url.QueryEscape(id)
	if err := c.do(ctx, http.MethodPatch, endpoint, headers, patch, &updated); err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", table, id, remote.ErrNotFound)
	}
	return updated[0], nil
}

// Delete removes the row whose id column equals id.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	endpoint := c.restURL(table) + "?id=eq." + url.QueryEscape(id)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// Upsert inserts records, merging rows that collide on conflictKey.
func (c *Client) Upsert(ctx context.Context, table string, records []model.Record, conflictKey string) ([]model.Record, error) {
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=representation"}
	endpoint := c.restURL(table)
	if conflictKey != "" {
		endpoint += "?on_conflict=" + url.QueryEscape(conflictKey)
	}
	var merged []model.Record
	if err := c.do(ctx, http.MethodPost, endpoint, headers, records, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (c *Client) restURL(table string) string {
	return c.baseURL + "/rest/v1/" + url.PathEscape(table)
}

// do executes one PostgREST request. body is JSON-encoded when non-nil; the
// response is decoded into out when non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body, out any) error {
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
	key := c.apiKey()
	req.Header.Set("apikey", key)
	req.Header.Set("Authorization", "Bearer "+key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("executing %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// apiError maps a PostgREST error response onto the remote error taxonomy.
func (c *Client) apiError(resp *http.Response) error {
	var pg struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &pg)

	if pg.Code == pgUndefinedTable || pg.Code == pgrstMissingTable || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("supabase: %s: %w", pg.Message, remote.ErrTableMissing)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("supabase returned 401 Unauthorized — check the API key")
	}
	if pg.Message != "" {
		return fmt.Errorf("supabase returned %d: %s", resp.StatusCode, pg.Message)
	}
	return fmt.Errorf("supabase returned unexpected status %d", resp.StatusCode)
}
