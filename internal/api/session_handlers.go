package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/voicedesk/voicedesk/internal/session"
)

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req session.DialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}
	if err := s.ctrl.Dial(req); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Answer(); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Hangup(); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hold bool `json:"hold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.SetHold(req.Hold); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.SetMute(req.Muted); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume int `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.SetVolume(req.Volume); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Digit string `json:"digit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if utf8.RuneCountInString(req.Digit) != 1 {
		writeError(w, http.StatusBadRequest, "digit must be a single character")
		return
	}
	digit, _ := utf8.DecodeRuneInString(req.Digit)
	if err := s.ctrl.SendDTMF(digit); err != nil {
		if errors.Is(err, session.ErrNoActiveCall) {
			writeError(w, http.StatusConflict, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"digit": req.Digit})
}

func (s *Server) handleKeepVisible(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keep bool `json:"keep"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.SetKeepEndedVisible(req.Keep); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ForceReset()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleRecordingPause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.PauseRecording(); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleRecordingResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResumeRecording(); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// writeControlError maps controller errors onto HTTP statuses: state
// conflicts are 409, validation problems 400.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrCallInProgress),
		errors.Is(err, session.ErrNoActiveCall),
		errors.Is(err, session.ErrNoIncomingCall),
		errors.Is(err, session.ErrHoldPending),
		errors.Is(err, session.ErrNotRecording):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidVolume):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("control command failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
