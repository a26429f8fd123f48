// internal/crm/client_test.go
package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:  srv.URL,
		WebBase:  "https://app.example-crm.com/w/demo",
		APIKey:   "test-key",
		CacheTTL: time.Minute,
	}, NewTTLCache())
}

func TestCreateRecord(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/objects/companies/records", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		data := body["data"].(map[string]any)
		values := data["values"].(map[string]any)
		assert.Equal(t, "Acme", values["name"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": map[string]any{"record_id": "rec-1"}},
		})
	})

	ref, err := client.CreateRecord(context.Background(), "companies", map[string]any{"name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", ref.ID)
	assert.Equal(t, "https://app.example-crm.com/w/demo/companies/rec-1", ref.URL)
}

func TestSearchParsesNamesAndDomains(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/objects/companies/records/query", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id": map[string]any{"record_id": "rec-1"},
					"values": map[string]any{
						"name":    []map[string]any{{"value": "Acme Inc"}},
						"domains": []map[string]any{{"domain": "acme.com"}},
					},
				},
			},
		})
	})

	results, err := client.Search(context.Background(), "companies", "acme")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Acme Inc", results[0].Name)
	assert.Equal(t, "acme.com", results[0].Secondary)
}

func TestCreateNoteSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid parent"}`, http.StatusBadRequest)
	})

	_, err := client.CreateNote(context.Background(), "companies", "rec-1", "Original message", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestListMembersCached(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id":            map[string]any{"workspace_member_id": "m1"},
					"first_name":    "Alice",
					"last_name":     "Johnson",
					"email_address": "alice@acme.com",
				},
			},
		})
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		members, err := client.ListMembers(ctx)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, "Alice Johnson", members[0].Name)
	}
	assert.Equal(t, 1, calls)
}

func TestNormalizeNoteContent(t *testing.T) {
	assert.Equal(t, "plain text stays", NormalizeNoteContent("plain text stays"))

	md := NormalizeNoteContent("<p>hello <a href=\"https://x.test\">link</a></p>")
	assert.Contains(t, md, "hello")
	assert.NotContains(t, md, "<p>")
}

func TestRecordURLEmptyWebBase(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://x", APIKey: "k"}, NewTTLCache())
	assert.Equal(t, "", client.RecordURL("companies", "rec-1"))
}
