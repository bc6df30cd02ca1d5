package calllogd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a call log does not exist.
var ErrNotFound = errors.New("call log not found")

// maxRecordingBytes caps uploaded recording size (an hour of u-law plus
// headroom).
const maxRecordingBytes = 64 << 20

// Store abstracts call-log persistence.
type Store interface {
	CreateCallLog(ctx context.Context, log *CallLog) error
	UpdateCallLog(ctx context.Context, id string, upd UpdateRequest) error
	GetCallLog(ctx context.Context, id string) (*CallLog, error)
	SaveRecording(ctx context.Context, rec *Recording) error
	APIKeyHashes(ctx context.Context) ([]string, error)
}

// Server holds the call-log service HTTP handler dependencies.
type Server struct {
	router        *chi.Mux
	store         Store
	recordingsDir string
	rateLimiter   *RateLimiter
	logger        *slog.Logger
}

// NewServer creates a call-log HTTP server with all routes mounted.
// If rateLimiter is non-nil, rate limiting is applied per API key.
func NewServer(store Store, recordingsDir string, rateLimiter *RateLimiter, logger *slog.Logger) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		store:         store,
		recordingsDir: recordingsDir,
		rateLimiter:   rateLimiter,
		logger:        logger.With("subsystem", "calllogd"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/call-logs", s.handleCreateCallLog)
		r.Get("/call-logs/{id}", s.handleGetCallLog)
		r.Patch("/call-logs/{id}", s.handleUpdateCallLog)
		r.Post("/call-recordings", s.handleUploadRecording)
	})
}

// requireAPIKey validates the X-API-Key header against the stored hashes
// and applies per-key rate limiting.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "api key required")
			return
		}

		hashes, err := s.store.APIKeyHashes(r.Context())
		if err != nil {
			s.logger.Error("loading api key hashes failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		valid := false
		for _, encoded := range hashes {
			ok, err := CheckAPIKey(key, encoded)
			if err != nil {
				s.logger.Error("checking api key failed", "error", err)
				continue
			}
			if ok {
				valid = true
				break
			}
		}
		if !valid {
			writeError(w, http.StatusForbidden, "invalid api key")
			return
		}

		if s.rateLimiter != nil && !s.rateLimiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleCreateCallLog handles POST /call-logs.
func (s *Server) handleCreateCallLog(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}
	if !validDirections[req.Direction] {
		writeError(w, http.StatusBadRequest, "direction must be inbound or outbound")
		return
	}
	if req.Status == "" {
		req.Status = "initiated"
	}
	if !validStatuses[req.Status] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now().UTC()
	}

	log := &CallLog{
		ID:          uuid.NewString(),
		CustomerID:  req.CustomerID,
		CampaignID:  req.CampaignID,
		PhoneNumber: req.PhoneNumber,
		Direction:   req.Direction,
		Status:      req.Status,
		StartedAt:   req.StartedAt,
	}
	if err := s.store.CreateCallLog(r.Context(), log); err != nil {
		s.logger.Error("creating call log failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("call log created", "call_log_id", log.ID,
		"phone_number", log.PhoneNumber, "direction", log.Direction)
	writeJSON(w, http.StatusCreated, map[string]string{"id": log.ID})
}

// handleGetCallLog handles GET /call-logs/{id}.
func (s *Server) handleGetCallLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := s.store.GetCallLog(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "call log not found")
		return
	}
	if err != nil {
		s.logger.Error("loading call log failed", "call_log_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// handleUpdateCallLog handles PATCH /call-logs/{id}.
func (s *Server) handleUpdateCallLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != nil && !validStatuses[*req.Status] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", *req.Status))
		return
	}
	if req.DurationSeconds != nil && *req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "durationSeconds must not be negative")
		return
	}

	err := s.store.UpdateCallLog(r.Context(), id, req)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "call log not found")
		return
	}
	if err != nil {
		s.logger.Error("updating call log failed", "call_log_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleUploadRecording handles POST /call-recordings (multipart).
func (s *Server) handleUploadRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRecordingBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	callLogID := r.FormValue("callLogId")
	if callLogID != "" {
		if _, err := s.store.GetCallLog(r.Context(), callLogID); errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "call log not found")
			return
		}
	}

	duration := 0
	if raw := r.FormValue("durationSeconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid durationSeconds")
			return
		}
		duration = n
	}

	file, header, err := r.FormFile("recording")
	if err != nil {
		writeError(w, http.StatusBadRequest, "recording file is required")
		return
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".wav" {
		writeError(w, http.StatusBadRequest, "recording must be a wav file")
		return
	}

	rec := &Recording{
		ID:              uuid.NewString(),
		CallLogID:       callLogID,
		CustomerID:      r.FormValue("customerId"),
		CampaignID:      r.FormValue("campaignId"),
		CustomerName:    r.FormValue("customerName"),
		AgentName:       r.FormValue("agentName"),
		PhoneNumber:     r.FormValue("phoneNumber"),
		DurationSeconds: duration,
		UploadedAt:      time.Now().UTC(),
	}

	size, path, err := s.saveRecordingFile(rec.ID, file)
	if err != nil {
		s.logger.Error("storing recording file failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	rec.FilePath = path
	rec.SizeBytes = size

	if err := s.store.SaveRecording(r.Context(), rec); err != nil {
		os.Remove(path)
		s.logger.Error("saving recording metadata failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("recording stored", "recording_id", rec.ID,
		"call_log_id", callLogID, "size_bytes", size, "duration", duration)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        rec.ID,
		"sizeBytes": size,
	})
}

func (s *Server) saveRecordingFile(id string, src io.Reader) (int64, string, error) {
	if err := os.MkdirAll(s.recordingsDir, 0750); err != nil {
		return 0, "", fmt.Errorf("creating recordings directory: %w", err)
	}
	path := filepath.Join(s.recordingsDir, id+".wav")
	dst, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("creating recording file: %w", err)
	}
	size, err := io.Copy(dst, io.LimitReader(src, maxRecordingBytes))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return 0, "", fmt.Errorf("writing recording file: %w", err)
	}
	return size, path, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
