// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/user/crmrelay/internal/types"
)

// Server is the operational HTTP surface: liveness plus a read-only view
// of active sessions. It carries no bot functionality.
type Server struct {
	sessions types.SessionStore
	mux      *http.ServeMux
}

// NewServer creates the ops Server over the session store.
func NewServer(sessions types.SessionStore) *Server {
	s := &Server{
		sessions: sessions,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type sessionSummary struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Messages int    `json:"messages"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	keys, err := s.sessions.Keys(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	summaries := make([]sessionSummary, 0, len(keys))
	for _, key := range keys {
		summary := sessionSummary{Key: string(key)}
		// A session expiring between Keys and Load just gets reported
		// without detail.
		if session, err := s.sessions.Load(r.Context(), key); err == nil && session != nil {
			summary.State = string(session.State)
			summary.Messages = len(session.Messages)
		}
		summaries = append(summaries, summary)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"sessions": summaries, "count": len(summaries)})
}
