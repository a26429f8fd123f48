//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/user/crmrelay/internal/action"
	"github.com/user/crmrelay/internal/classifier"
	"github.com/user/crmrelay/internal/crm"
	"github.com/user/crmrelay/internal/flow"
	"github.com/user/crmrelay/internal/gateway"
	"github.com/user/crmrelay/internal/store"
	"github.com/user/crmrelay/internal/types"
	"github.com/user/crmrelay/pkg/llm"
	"github.com/user/crmrelay/pkg/llm/openai"
)

// fakeLLM answers every chat completion with a fixed action for Jane at
// the not-yet-existing company Globex.
func fakeLLM(t *testing.T) *httptest.Server {
	t.Helper()
	actionJSON := `{
		"intent": "create-person",
		"confidence": 0.9,
		"extracted_data": {"name": "Jane Smith", "company": "Globex", "email": "jane@globex.com"},
		"note_title": "Forwarded intro"
	}`
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": actionJSON}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

// fakeCRM is an in-memory CRM API: empty search results, sequential record
// ids, and a log of every write.
type fakeCRM struct {
	mu      sync.Mutex
	nextID  int
	created []string // objectType per creation, in order
	notes   int
}

func (f *fakeCRM) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /objects/{object}/records/query", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	mux.HandleFunc("POST /objects/{object}/records", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.nextID++
		f.created = append(f.created, r.PathValue("object"))
		id := fmt.Sprintf("rec-%d", f.nextID)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": map[string]any{"record_id": id}},
		})
	})
	mux.HandleFunc("POST /notes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.notes++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": map[string]any{"note_id": "note-1"}},
		})
	})
	mux.HandleFunc("GET /workspace_members", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	mux.HandleFunc("GET /objects/{object}/attributes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	mux.HandleFunc("GET /objects/deals/attributes/stage/statuses", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	return mux
}

// memTransport records outbound messages instead of talking to Telegram.
type memTransport struct {
	mu     sync.Mutex
	sent   []string
	nextID int
}

func (t *memTransport) SendMessage(_ context.Context, _ int64, text string, _ *types.Keyboard) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
	t.nextID++
	return t.nextID, nil
}

func (t *memTransport) EditMessage(_ context.Context, _ int64, _ int, text string, _ *types.Keyboard) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
	return nil
}

func (t *memTransport) AnswerCallback(context.Context, string, string) error { return nil }

func (t *memTransport) texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// TestEndToEnd drives the full stack short of Telegram itself: gateway
// lanes, Redis-backed sessions, a real classifier against a fake LLM, and
// the execution engine against a fake CRM.
func TestEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := store.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), time.Hour)

	llmSrv := fakeLLM(t)
	defer llmSrv.Close()
	crmAPI := &fakeCRM{}
	crmSrv := httptest.NewServer(crmAPI.handler())
	defer crmSrv.Close()

	records := crm.NewClient(crm.Config{
		BaseURL: crmSrv.URL,
		WebBase: "https://app.example.com",
		APIKey:  "test-key",
	}, crm.NewTTLCache())

	provider := openai.New(&llm.Config{
		BaseURL: llmSrv.URL,
		APIKey:  "test",
		Model:   "gpt-4o-mini",
	})
	classify, err := classifier.New(provider, records, "gpt-4o-mini", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	transport := &memTransport{}
	machine := flow.New(sessions, classify, action.New(records, records), records, transport)

	gw := gateway.New(2)
	ctx := context.Background()
	gw.Start(ctx)
	defer gw.Stop()
	gw.Queue.SetProcessor(func(run *gateway.Run) error {
		return machine.Process(run.Ctx, run.Event)
	})

	meta := types.EventMeta{Key: "telegram:1:2", ChatID: 1, UserID: 2,
		Caller: types.CallerInfo{DisplayName: "Dana"}}

	events := []types.Event{
		&types.ForwardedMessage{EventMeta: meta, From: "Jane Smith", Text: "Hi, I'm Jane from Globex"},
		&types.ForwardedMessage{EventMeta: meta, From: "Jane Smith", Text: "Would love to talk next week"},
		&types.CommandMessage{EventMeta: meta, Name: "do", Args: "add jane as a contact"},
		&types.CallbackPress{EventMeta: meta, CallbackID: "cb1", Data: "confirm"},
	}
	for _, ev := range events {
		if err := gw.HandleInbound(ev); err != nil {
			t.Fatal(err)
		}
	}

	if !gw.Queue.WaitIdle(5 * time.Second) {
		t.Fatal("queue never went idle")
	}
	// The lane is FIFO, so once idle every event has been handled.

	crmAPI.mu.Lock()
	created := append([]string(nil), crmAPI.created...)
	notes := crmAPI.notes
	crmAPI.mu.Unlock()

	// One company (created on the fly for Globex), then one person.
	if len(created) != 2 || created[0] != "companies" || created[1] != "people" {
		t.Fatalf("creations = %v", created)
	}
	if notes != 1 {
		t.Fatalf("notes = %d", notes)
	}

	session, err := sessions.Load(ctx, "telegram:1:2")
	if err != nil {
		t.Fatal(err)
	}
	if session == nil || session.State != types.StateIdle {
		t.Fatalf("session not reset: %+v", session)
	}

	var sawQueueAck, sawDone bool
	for _, text := range transport.texts() {
		if strings.Contains(text, "2 message(s) queued") {
			sawQueueAck = true
		}
		if strings.Contains(text, "Done") {
			sawDone = true
		}
	}
	if !sawQueueAck {
		t.Error("queue acknowledgement never sent")
	}
	if !sawDone {
		t.Errorf("completion message never sent: %v", transport.texts())
	}
}
