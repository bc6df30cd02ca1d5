package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeResponseEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env
}

func TestWriteJSONWrapsData(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusAccepted, map[string]string{"callId": "abc-123"})

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	env := decodeResponseEnvelope(t, rr)
	if env.Error != "" {
		t.Errorf("unexpected error %q", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %T", env.Data)
	}
	if data["callId"] != "abc-123" {
		t.Errorf("unexpected payload %v", data)
	}
}

func TestWriteJSONNilData(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, nil)

	env := decodeResponseEnvelope(t, rr)
	if env.Data != nil {
		t.Errorf("expected null data, got %v", env.Data)
	}
}

func TestWriteErrorOmitsData(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusConflict, "call already in progress")

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	env := decodeResponseEnvelope(t, rr)
	if env.Error != "call already in progress" {
		t.Errorf("unexpected error %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("expected no data on error, got %v", env.Data)
	}
}
