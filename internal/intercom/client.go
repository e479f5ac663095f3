// Package intercom is the HTTP client for the ticketing API the engine
// mutates. It knows the wire shapes (search payloads, conversation actions,
// rate-limit headers) and nothing about batching or retries: 429 and other
// failures surface as typed errors for the retry layer to interpret.
package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/inboxops/sweep/internal/config"
	"github.com/inboxops/sweep/internal/engine/ratelimit"
	"github.com/inboxops/sweep/internal/engine/stream"
)

// APIError reports a non-success HTTP status from the remote service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned HTTP %d: %s", e.Status, e.Body)
}

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Client talks to the ticketing API.
type Client struct {
	baseURL string
	token   string
	adminID string

	http    *http.Client
	monitor *ratelimit.Monitor
	log     zerolog.Logger
}

// NewClient builds a client from cfg. Per-request timeouts come from the
// caller's context (the retry profiles carry them), so the underlying
// http.Client has none of its own.
func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.AccessToken,
		adminID: cfg.AdminID,
		http:    &http.Client{},
		monitor: ratelimit.NewMonitor(log),
		log:     log,
	}
}

// AdminID returns the admin identity used for mutations.
func (c *Client) AdminID() string { return c.adminID }

// do issues one JSON request and returns the response body. Every response,
// success or not, feeds the rate-limit monitor; 429 maps to
// *ratelimit.Error and other non-2xx statuses to *APIError.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.monitor.Observe(ratelimit.ParseSnapshot(resp.Header))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ratelimit.Error{RetryAfter: ratelimit.RetryAfterHeader(resp.Header)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: truncate(respBody)}
	}

	return respBody, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

// searchPayload is the body of a search request.
type searchPayload struct {
	Query      Query            `json:"query"`
	Pagination searchPagination `json:"pagination"`
}

type searchPagination struct {
	PerPage       int    `json:"per_page"`
	StartingAfter string `json:"starting_after,omitempty"`
}

// SearchConversations fetches one page of the conversation search for q.
func (c *Client) SearchConversations(ctx context.Context, q Query, page stream.PageRequest) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/conversations/search", searchPayload{
		Query: q,
		Pagination: searchPagination{
			PerPage:       page.PerPage,
			StartingAfter: page.StartingAfter,
		},
	})
}

// conversationPager binds a query to the search endpoint.
type conversationPager struct {
	client *Client
	query  Query
}

func (p *conversationPager) SearchPage(ctx context.Context, page stream.PageRequest) ([]byte, error) {
	return p.client.SearchConversations(ctx, p.query, page)
}

// Pager adapts the conversation search to the engine's stream.Pager
// extension point, with q bound inside.
func (c *Client) Pager(q Query) stream.Pager {
	return &conversationPager{client: c, query: q}
}

// CloseConversation closes one conversation by appending an admin "close"
// part.
func (c *Client) CloseConversation(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/conversations/"+id+"/parts", map[string]any{
		"message_type": "close",
		"type":         "admin",
		"admin_id":     c.adminID,
	})
}

// TagConversation attaches the given tag IDs to one conversation.
func (c *Client) TagConversation(ctx context.Context, id string, tagIDs []string) (json.RawMessage, error) {
	tags := make([]map[string]string, len(tagIDs))
	for i, tagID := range tagIDs {
		tags[i] = map[string]string{"id": tagID}
	}
	return c.do(ctx, http.MethodPost, "/conversations/"+id+"/tags", map[string]any{
		"id":   id,
		"tags": tags,
	})
}

// UpdateState moves one conversation into a new state.
func (c *Client) UpdateState(ctx context.Context, id, state string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/conversations/"+id, map[string]any{
		"id":    id,
		"state": state,
	})
}

// UpdateCustomFields sets custom attributes on one conversation.
func (c *Client) UpdateCustomFields(ctx context.Context, id string, fields map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/conversations/"+id, map[string]any{
		"id":                id,
		"custom_attributes": fields,
	})
}
