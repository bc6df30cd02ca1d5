package api

import (
	"net/http"
	"strconv"

	"github.com/voicedesk/voicedesk/internal/history"
)

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusNotFound, "call history is disabled")
		return
	}

	filter := history.ListFilter{
		PhoneNumber: r.URL.Query().Get("phoneNumber"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	calls, total, err := s.calls.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing call history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if calls == nil {
		calls = []history.Call{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"total": total,
	})
}
