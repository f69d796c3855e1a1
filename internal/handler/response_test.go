package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chaosdice/server/internal/service"
)

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestWriteServiceErrorSessionError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"sentinel", service.ErrSessionExpired, http.StatusNotFound, "session_expired"},
		{"conflict", service.ErrRoomFull, http.StatusConflict, "room_full"},
		{"wrapped", fmt.Errorf("join: %w", service.ErrRoomBanned), http.StatusForbidden, "room_banned"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, tc.err)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			body := decodeBody(t, rec)
			if body["error"] != tc.wantCode {
				t.Errorf("error code = %q, want %q", body["error"], tc.wantCode)
			}
			if body["reason"] == "" {
				t.Error("reason missing from body")
			}
		})
	}
}

func TestWriteServiceErrorGeneric(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, errors.New("disk on fire"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	raw := rec.Body.String()
	var body map[string]string
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal_error" {
		t.Errorf("error code = %q, want internal_error", body["error"])
	}
	// Internal detail must not leak to the client.
	if strings.Contains(raw, "disk on fire") {
		t.Error("internal error message leaked into the response")
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]int{"count": 3})
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	var body map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["count"] != 3 {
		t.Errorf("body = %+v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/rooms", strings.NewReader(`{"playerId":"p1"}`))
	var body struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeJSON(req, &body); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if body.PlayerID != "p1" {
		t.Errorf("playerId = %q, want p1", body.PlayerID)
	}

	bad := httptest.NewRequest(http.MethodPost, "/rooms", strings.NewReader(`{`))
	if err := decodeJSON(bad, &body); err == nil {
		t.Error("malformed body accepted")
	}
}
