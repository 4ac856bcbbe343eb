// Package remote implements docstore.Store against a document-store service
// over HTTP. Conditional updates use If-Match version headers; HTTP 409 maps
// to docstore.ConflictError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/docstore"
)

const defaultUserAgent = "weft-engine"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client is an HTTP client for a remote document store.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
}

var _ docstore.Store = (*Client)(nil)

// NewClient creates a remote store client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// createPayload is the wire form of CreateRequest; TTL travels as seconds.
type createPayload struct {
	SchemaName string          `json:"schema_name"`
	Title      string          `json:"title,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

func (c *Client) Create(ctx context.Context, req docstore.CreateRequest) (*docstore.Document, error) {
	body := createPayload{
		SchemaName: req.SchemaName,
		Title:      req.Title,
		Tags:       req.Tags,
		Payload:    req.Payload,
	}
	if req.TTL > 0 {
		body.TTLSeconds = int64(req.TTL / time.Second)
	}

	var doc docstore.Document
	if err := c.do(ctx, http.MethodPost, "/v1/documents", nil, body, &doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return &doc, nil
}

func (c *Client) Get(ctx context.Context, id string) (*docstore.Document, error) {
	var doc docstore.Document
	if err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(id), nil, nil, &doc); err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

func (c *Client) ReadByTag(ctx context.Context, tag, schema string) ([]docstore.Document, error) {
	query := url.Values{"tag": {tag}}
	if schema != "" {
		query.Set("schema", schema)
	}

	var docs []docstore.Document
	if err := c.do(ctx, http.MethodGet, "/v1/documents", query, nil, &docs); err != nil {
		return nil, fmt.Errorf("read by tag: %w", err)
	}
	return docs, nil
}

func (c *Client) Update(ctx context.Context, id string, expectedVersion int64, req docstore.UpdateRequest) (*docstore.Document, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("update document: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+"/v1/documents/"+url.PathEscape(id), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("If-Match", strconv.FormatInt(expectedVersion, 10))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("update document: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("update document: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var doc docstore.Document
		if err := json.Unmarshal(respBody, &doc); err != nil {
			return nil, fmt.Errorf("update document: decode response: %w", err)
		}
		return &doc, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("update document: %w", docstore.ErrNotFound)
	case http.StatusConflict:
		conflict := &docstore.ConflictError{ID: id, Expected: expectedVersion}
		var detail struct {
			ActualVersion int64 `json:"actual_version"`
		}
		if err := json.Unmarshal(respBody, &detail); err == nil {
			conflict.Actual = detail.ActualVersion
		}
		return nil, conflict
	default:
		return nil, fmt.Errorf("update document: store error (status %d): %s", resp.StatusCode, string(respBody))
	}
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// similarityRequest is the wire form of a similarity search.
type similarityRequest struct {
	Query  string          `json:"query"`
	Limit  int             `json:"limit,omitempty"`
	Filter docstore.Filter `json:"filter,omitempty"`
}

func (c *Client) SearchSimilarity(ctx context.Context, query string, limit int, filter docstore.Filter) ([]docstore.Document, error) {
	var docs []docstore.Document
	req := similarityRequest{Query: query, Limit: limit, Filter: filter}
	if err := c.do(ctx, http.MethodPost, "/v1/search/similarity", nil, req, &docs); err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return docs, nil
}

// recentRequest is the wire form of a recency scan.
type recentRequest struct {
	SchemaName string          `json:"schema_name,omitempty"`
	Filter     docstore.Filter `json:"filter,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

func (c *Client) SearchRecent(ctx context.Context, schema string, filter docstore.Filter, limit int) ([]docstore.Document, error) {
	var docs []docstore.Document
	req := recentRequest{SchemaName: schema, Filter: filter, Limit: limit}
	if err := c.do(ctx, http.MethodPost, "/v1/search/recent", nil, req, &docs); err != nil {
		return nil, fmt.Errorf("recent search: %w", err)
	}
	return docs, nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do runs one JSON round trip. A nil out discards the response body; 404
// maps to docstore.ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return docstore.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("store error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
