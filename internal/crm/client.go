// Package crm wraps the CRM's record-level HTTP API: create, search, note,
// list entry, workspace members, and object schema. All operations are
// primitives with no dedup key; callers search before creating when they
// need idempotency.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/crmrelay/internal/types"
)

const (
	membersCacheKey = "workspace_members"
	stagesCacheKey  = "deal_stages"
	schemaCachePfx  = "schema:"
)

// Config holds client settings.
type Config struct {
	BaseURL  string
	WebBase  string
	APIKey   string
	CacheTTL time.Duration
}

// Client talks to the CRM HTTP API. Safe for concurrent use.
type Client struct {
	baseURL    string
	webBase    string
	apiKey     string
	cacheTTL   time.Duration
	cache      types.Cache
	httpClient *http.Client
}

// NewClient creates a Client. The cache holds workspace members, deal-stage
// names, and object schemas between refreshes.
func NewClient(cfg Config, cache types.Cache) *Client {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		webBase:  strings.TrimRight(cfg.WebBase, "/"),
		apiKey:   cfg.APIKey,
		cacheTTL: ttl,
		cache:    cache,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// recordEnvelope is the API's record shape: a nested id plus a values map
// where every attribute holds a list of value entries.
type recordEnvelope struct {
	ID struct {
		RecordID string `json:"record_id"`
	} `json:"id"`
	Values map[string][]valueEntry `json:"values"`
}

type valueEntry struct {
	Value    any    `json:"value,omitempty"`
	Domain   string `json:"domain,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// CreateRecord creates a record of the given object type and returns its
// id and web URL.
func (c *Client) CreateRecord(ctx context.Context, objectType string, values map[string]any) (*types.RecordRef, error) {
	var resp struct {
		Data recordEnvelope `json:"data"`
	}
	body := map[string]any{"data": map[string]any{"values": values}}
	path := fmt.Sprintf("/objects/%s/records", objectType)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("create %s record: %w", objectType, err)
	}
	id := resp.Data.ID.RecordID
	if id == "" {
		return nil, fmt.Errorf("create %s record: no record id in response", objectType)
	}
	return &types.RecordRef{ID: id, URL: c.RecordURL(objectType, id)}, nil
}

// Search runs the CRM's full-text record query for the object type.
func (c *Client) Search(ctx context.Context, objectType, query string) ([]types.SearchResult, error) {
	var resp struct {
		Data []recordEnvelope `json:"data"`
	}
	body := map[string]any{"query": query, "limit": 10}
	path := fmt.Sprintf("/objects/%s/records/query", objectType)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("query %s records: %w", objectType, err)
	}

	results := make([]types.SearchResult, 0, len(resp.Data))
	for _, rec := range resp.Data {
		results = append(results, types.SearchResult{
			ID:        rec.ID.RecordID,
			Name:      rec.displayName(),
			Secondary: rec.secondaryLabel(),
		})
	}
	return results, nil
}

// CreateNote attaches a note to a record. HTML-looking content is
// converted to markdown first; the API rejects raw markup.
func (c *Client) CreateNote(ctx context.Context, parentType, parentID, title, content string) (string, error) {
	var resp struct {
		Data struct {
			ID struct {
				NoteID string `json:"note_id"`
			} `json:"id"`
		} `json:"data"`
	}
	body := map[string]any{"data": map[string]any{
		"parent_object":    parentType,
		"parent_record_id": parentID,
		"title":            title,
		"format":           "plaintext",
		"content":          NormalizeNoteContent(content),
	}}
	if err := c.do(ctx, http.MethodPost, "/notes", body, &resp); err != nil {
		return "", fmt.Errorf("create note: %w", err)
	}
	return resp.Data.ID.NoteID, nil
}

// AddListEntry adds a record to a list and returns the entry id.
func (c *Client) AddListEntry(ctx context.Context, listID, recordID string) (string, error) {
	var resp struct {
		Data struct {
			ID struct {
				EntryID string `json:"entry_id"`
			} `json:"id"`
		} `json:"data"`
	}
	body := map[string]any{"data": map[string]any{"record_id": recordID}}
	path := fmt.Sprintf("/lists/%s/entries", listID)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("add list entry: %w", err)
	}
	return resp.Data.ID.EntryID, nil
}

// ListMembers returns the workspace members, cached between refreshes.
func (c *Client) ListMembers(ctx context.Context) ([]types.Member, error) {
	cached, err := c.cache.GetOrRefresh(ctx, membersCacheKey, c.cacheTTL, func(ctx context.Context) (any, error) {
		return c.fetchMembers(ctx)
	})
	if err != nil {
		return nil, err
	}
	return cached.([]types.Member), nil
}

func (c *Client) fetchMembers(ctx context.Context) ([]types.Member, error) {
	var resp struct {
		Data []struct {
			ID struct {
				WorkspaceMemberID string `json:"workspace_member_id"`
			} `json:"id"`
			FirstName    string `json:"first_name"`
			LastName     string `json:"last_name"`
			EmailAddress string `json:"email_address"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/workspace_members", nil, &resp); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]types.Member, 0, len(resp.Data))
	for _, m := range resp.Data {
		members = append(members, types.Member{
			ID:    m.ID.WorkspaceMemberID,
			Name:  strings.TrimSpace(m.FirstName + " " + m.LastName),
			Email: m.EmailAddress,
		})
	}
	return members, nil
}

// Schema returns the attribute slugs and titles for an object type, cached
// between refreshes. Used to prompt the classifier with real field names.
func (c *Client) Schema(ctx context.Context, objectType string) ([]Attribute, error) {
	cached, err := c.cache.GetOrRefresh(ctx, schemaCachePfx+objectType, c.cacheTTL, func(ctx context.Context) (any, error) {
		return c.fetchSchema(ctx, objectType)
	})
	if err != nil {
		return nil, err
	}
	return cached.([]Attribute), nil
}

// Attribute is one field of an object's schema.
type Attribute struct {
	Slug     string `json:"api_slug"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Required bool   `json:"is_required"`
}

func (c *Client) fetchSchema(ctx context.Context, objectType string) ([]Attribute, error) {
	var resp struct {
		Data []Attribute `json:"data"`
	}
	path := fmt.Sprintf("/objects/%s/attributes", objectType)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch %s schema: %w", objectType, err)
	}
	return resp.Data, nil
}

// DealStages returns the valid deal-stage names, cached between refreshes.
func (c *Client) DealStages(ctx context.Context) ([]string, error) {
	cached, err := c.cache.GetOrRefresh(ctx, stagesCacheKey, c.cacheTTL, func(ctx context.Context) (any, error) {
		return c.fetchDealStages(ctx)
	})
	if err != nil {
		return nil, err
	}
	return cached.([]string), nil
}

func (c *Client) fetchDealStages(ctx context.Context) ([]string, error) {
	var resp struct {
		Data []struct {
			Title string `json:"title"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/objects/deals/attributes/stage/statuses", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch deal stages: %w", err)
	}
	stages := make([]string, 0, len(resp.Data))
	for _, s := range resp.Data {
		stages = append(stages, s.Title)
	}
	return stages, nil
}

// WarmCaches pre-fetches members, deal stages, and the core object schemas
// so the first classification does not pay the latency.
func (c *Client) WarmCaches(ctx context.Context) error {
	if _, err := c.ListMembers(ctx); err != nil {
		return err
	}
	if _, err := c.DealStages(ctx); err != nil {
		return err
	}
	for _, object := range []string{"people", "companies", "deals", "tasks"} {
		if _, err := c.Schema(ctx, object); err != nil {
			return err
		}
	}
	return nil
}

// RecordURL returns the web UI URL for a record, or "" when no web base is
// configured.
func (c *Client) RecordURL(objectType, id string) string {
	if c.webBase == "" || id == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", c.webBase, objectType, id)
}

// do sends one JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// displayName extracts a human-readable name from the record's values.
func (r *recordEnvelope) displayName() string {
	for _, key := range []string{"name", "full_name", "title"} {
		for _, entry := range r.Values[key] {
			if entry.FullName != "" {
				return entry.FullName
			}
			if s, ok := entry.Value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// secondaryLabel extracts a disambiguating label such as a domain or email.
func (r *recordEnvelope) secondaryLabel() string {
	for _, key := range []string{"domains", "email_addresses"} {
		for _, entry := range r.Values[key] {
			if entry.Domain != "" {
				return entry.Domain
			}
			if s, ok := entry.Value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// NormalizeNoteContent converts HTML-looking content to markdown so notes
// written from web-sourced forwards stay readable in the CRM.
func NormalizeNoteContent(content string) string {
	if !looksLikeHTML(content) {
		return content
	}
	md, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		return content
	}
	return md
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, tag := range []string{"<p>", "<div", "<br", "<a ", "<html", "<span"} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
