// Package memory talks to the remote memory store. The store is
// optional; without an endpoint the Nop client keeps the memory tools
// well-defined no-ops.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Item is one retrieved memory.
type Item struct {
	ID    string         `json:"id"`
	Text  string         `json:"text"`
	Score float64        `json:"score"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type QueryRequest struct {
	Query   string         `json:"query"`
	K       int            `json:"k,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

type QueryResponse struct {
	Items []Item `json:"items"`
}

type StoreRequest struct {
	Text string         `json:"text"`
	Tags []string       `json:"tags,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

type StoreResponse struct {
	ID string `json:"id"`
}

// Client is the memory store abstraction. Both calls carry the user
// namespace of the tenant on whose behalf the turn runs.
type Client interface {
	Query(ctx context.Context, namespace string, req QueryRequest) (*QueryResponse, error)
	Store(ctx context.Context, namespace string, req StoreRequest) (*StoreResponse, error)
}

// HTTPClient speaks JSON over HTTP to a memory endpoint.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

func NewHTTPClient(endpoint string, options ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range options {
		o(h)
	}
	return h
}

func (h *HTTPClient) Query(ctx context.Context, namespace string, req QueryRequest) (*QueryResponse, error) {
	out := &QueryResponse{}
	if err := h.post(ctx, "/memory/query", namespace, req, out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		out.Items = []Item{}
	}
	return out, nil
}

func (h *HTTPClient) Store(ctx context.Context, namespace string, req StoreRequest) (*StoreResponse, error) {
	out := &StoreResponse{}
	if err := h.post(ctx, "/memory/store", namespace, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) post(ctx context.Context, path, namespace string, in, out any) error {
	body := map[string]any{"user_namespace": namespace}
	b, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "memory: marshal request")
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return errors.Wrap(err, "memory: merge request")
	}
	body["user_namespace"] = namespace
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "memory: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "memory: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().Str("path", path).Str("namespace", namespace).Msg("memory: request")
	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "memory: request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("memory: %s returned %d: %s", path, resp.StatusCode, string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "memory: decode response")
	}
	return nil
}

// Nop is the client used when no memory endpoint is configured.
// Queries return no items; stores succeed with an empty id.
type Nop struct{}

func (Nop) Query(context.Context, string, QueryRequest) (*QueryResponse, error) {
	return &QueryResponse{Items: []Item{}}, nil
}

func (Nop) Store(context.Context, string, StoreRequest) (*StoreResponse, error) {
	return &StoreResponse{ID: ""}, nil
}

var _ Client = (*HTTPClient)(nil)
var _ Client = Nop{}
