package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/room4-2/voicerelay/tools"
)

type createSessionRequest struct {
	UserID string `json:"userId"`
}

type createSessionResponse struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionResponse struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
	MemoryLength int       `json:"memoryLength"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"sessions":    s.sessions.Count(),
		"connections": s.relay.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get("X-User-Id"))
	}

	sess := s.sessions.Create(r.Context(), userID)
	s.metrics.SessionEvent("created")
	s.metrics.SetActiveSessions(s.sessions.Count())

	respondJSON(w, http.StatusOK, createSessionResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found"})
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		CreatedAt:    sess.CreatedAt,
		MemoryLength: len(sess.Memory),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Delete(r.Context(), chi.URLParam(r, "id")) {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found"})
		return
	}
	s.metrics.SessionEvent("deleted")
	s.metrics.SetActiveSessions(s.sessions.Count())
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	decls := s.tools.Declarations()
	if decls == nil {
		decls = []tools.Declaration{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": decls})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errEmptyBody
	}
	return sonic.ConfigStd.Unmarshal(body, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
