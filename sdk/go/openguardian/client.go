// Package openguardian is a small Go client for the guardian status API.
package openguardian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the guardian status API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Record is one journal entry as returned by the API.
type Record struct {
	ID        string         `json:"id"`
	Guardian  string         `json:"guardian"`
	Channel   string         `json:"channel"`
	Subject   string         `json:"subject,omitempty"`
	Seq       uint64         `json:"seq"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// Stats aggregates journal records by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Skipped         int   `json:"skipped"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Health is the /healthz payload. Guardians maps guardian name to the
// pending item count of each reactor channel.
type Health struct {
	Status    string                    `json:"status"`
	Uptime    string                    `json:"uptime"`
	Guardians map[string]map[string]int `json:"guardians,omitempty"`
}

// Query filters journal listings. Zero values are omitted.
type Query struct {
	Limit    int
	Offset   int
	Statuses []string
	Guardian string
	Channel  string
	Search   string
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Guardian != "" {
		v.Set("guardian", q.Guardian)
	}
	if q.Channel != "" {
		v.Set("channel", q.Channel)
	}
	if q.Search != "" {
		v.Set("q", q.Search)
	}
	return v
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("guardian api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the status API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with journal requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Health fetches the liveness payload.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.get(ctx, "/healthz", nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// ListJournal returns journal records matching q, most recently updated first.
func (c *Client) ListJournal(ctx context.Context, q Query) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.get(ctx, "/api/v1/journal", q.values(), &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// GetRecord fetches one journal record by id.
func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var r Record
	if err := c.get(ctx, "/api/v1/journal/"+url.PathEscape(id), nil, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Stats returns status counts of records matching q. Limit and Offset are ignored.
func (c *Client) Stats(ctx context.Context, q Query) (Stats, error) {
	var s Stats
	if err := c.get(ctx, "/api/v1/journal/stats", q.values(), &s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
