package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/softiel/chatguard/internal/gate"
	"github.com/softiel/chatguard/internal/session"
)

func (s *server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.gate.Session(r.Context(), id)
	if err != nil {
		s.adminError(w, "get session", err)
		return
	}
	if st.IsNew() {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.EndSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.adminError(w, "end session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) sessionDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "Audit log not configured"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit"})
			return
		}
		limit = n
	}
	entries, err := s.audit.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.adminError(w, "list decisions", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) getSignatureHandler(w http.ResponseWriter, r *http.Request) {
	reuse, err := s.gate.SignatureReuse(r.Context(), chi.URLParam(r, "signature"))
	if err != nil {
		s.adminError(w, "lookup signature", err)
		return
	}
	writeJSON(w, http.StatusOK, reuse)
}

func (s *server) flagSignatureHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.FlagSignature(r.Context(), chi.URLParam(r, "signature")); err != nil {
		s.adminError(w, "flag signature", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flagged"})
}

func (s *server) adminError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidID):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid session ID"})
	case errors.Is(err, gate.ErrNoRegistry):
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "Signature registry not configured"})
	default:
		s.logger.Error(op, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal error"})
	}
}
