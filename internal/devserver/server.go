// Package devserver is a self-contained backend provider for development and
// tests: the row API over named tables plus the WebSocket change feed, backed
// by any Store/Realtime pair (memory by default, postgres with -pg).
package devserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
)

type Server struct {
	store backend.Store
	feed  backend.Realtime
}

func New(store backend.Store, feed backend.Realtime) *Server {
	return &Server{store: store, feed: feed}
}

// Router builds the HTTP surface of the provider.
func (s *Server) Router(allowedOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{allowedOrigins},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Post("/v1/tables/{table}/select", s.handleSelect)
	r.Post("/v1/tables/{table}/insert", s.handleInsert)
	r.Get("/v1/ws", s.handleWS)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type selectRequest struct {
	Filter map[string]any `json:"filter,omitempty"`
	Order  string         `json:"order,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("dev.handleSelect", time.Now())()
	table := chi.URLParam(r, "table")
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid select request")
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	switch table {
	case "messages":
		topic, _ := req.Filter["topic"].(string)
		key := model.ParseTopic(topic)
		if key.IsZero() {
			writeError(w, http.StatusBadRequest, "topic filter required")
			return
		}
		var before time.Time
		if raw, ok := req.Filter["created_at_lte"].(string); ok {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid created_at_lte")
				return
			}
			before = t
		}
		msgs, err := s.store.SelectMessages(r.Context(), key, before, limit)
		if err != nil {
			logger.Errorf("dev select messages: %v", err)
			writeError(w, http.StatusInternalServerError, "select failed")
			return
		}
		// Rows go out newest-first, matching the row API contract.
		rows := make([]backend.MessageRow, len(msgs))
		for i, m := range msgs {
			rows[len(msgs)-1-i] = backend.RowFromModel(m)
		}
		writeJSON(w, http.StatusOK, rows)

	case "message_deletions":
		ids := stringSlice(req.Filter["message_id_in"])
		out, err := s.store.SelectDeletions(r.Context(), ids)
		if err != nil {
			logger.Errorf("dev select deletions: %v", err)
			writeError(w, http.StatusInternalServerError, "select failed")
			return
		}
		writeJSON(w, http.StatusOK, out)

	case "message_reactions":
		ids := stringSlice(req.Filter["message_id_in"])
		out, err := s.store.SelectReactions(r.Context(), ids)
		if err != nil {
			logger.Errorf("dev select reactions: %v", err)
			writeError(w, http.StatusInternalServerError, "select failed")
			return
		}
		writeJSON(w, http.StatusOK, out)

	case "tribe_members":
		tribeID, _ := req.Filter["tribe_id"].(string)
		userID, _ := req.Filter["user_id"].(string)
		role, err := s.store.MemberRole(r.Context(), tribeID, userID)
		if err == backend.ErrNotFound {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		if err != nil {
			logger.Errorf("dev select members: %v", err)
			writeError(w, http.StatusInternalServerError, "select failed")
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{
			"tribe_id": tribeID,
			"user_id":  userID,
			"role":     role,
		}})

	default:
		writeError(w, http.StatusNotFound, "unknown table")
	}
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("dev.handleInsert", time.Now())()
	table := chi.URLParam(r, "table")

	switch table {
	case "messages":
		var row backend.MessageRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			writeError(w, http.StatusBadRequest, "invalid row")
			return
		}
		m := row.ToModel()
		if m.Key.IsZero() || (m.Content == "" && m.MediaURL == "") {
			writeError(w, http.StatusBadRequest, "topic and content required")
			return
		}
		confirmed, err := s.store.InsertMessage(r.Context(), m)
		if err != nil {
			logger.Errorf("dev insert message: %v", err)
			writeError(w, http.StatusInternalServerError, "insert failed")
			return
		}
		writeJSON(w, http.StatusOK, backend.RowFromModel(confirmed))

	case "message_deletions":
		var d model.Deletion
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeError(w, http.StatusBadRequest, "invalid row")
			return
		}
		confirmed, err := s.store.InsertDeletion(r.Context(), d)
		if err == backend.ErrNotFound {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		if err != nil {
			logger.Errorf("dev insert deletion: %v", err)
			writeError(w, http.StatusInternalServerError, "insert failed")
			return
		}
		writeJSON(w, http.StatusOK, confirmed)

	case "message_reactions":
		var rc model.Reaction
		if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid row")
			return
		}
		confirmed, err := s.store.InsertReaction(r.Context(), rc)
		if err == backend.ErrNotFound {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		if err != nil {
			logger.Errorf("dev insert reaction: %v", err)
			writeError(w, http.StatusInternalServerError, "insert failed")
			return
		}
		writeJSON(w, http.StatusOK, confirmed)

	default:
		writeError(w, http.StatusNotFound, "unknown table")
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
