package pkg

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestJSONWritesSuccessEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, 200, map[string]string{"hello": "world"})

	var body APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Error != "" {
		t.Fatalf("expected a success envelope, got %+v", body)
	}
	if w.Code != 200 {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestErrorMapsSentinelsToStatus(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
	}{
		{ErrNotFound, 404},
		{ErrUnauthorized, 401},
		{ErrForbidden, 403},
		{ErrAlreadyExists, 409},
		{ErrStreamAlreadyLive, 409},
		{ErrBadRequest, 400},
		{ErrCapacity, 429},
		{fmt.Errorf("something unexpected"), 500},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		Error(w, c.err)
		if w.Code != c.wantStatus {
			t.Errorf("Error(%v): got status %d, want %d", c.err, w.Code, c.wantStatus)
		}
	}
}

func TestErrorWithCodeCarriesCode(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorWithCode(w, 409, "STREAM_ALREADY_LIVE", "channel is already live")

	var body APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Code != "STREAM_ALREADY_LIVE" || body.Error != "channel is already live" {
		t.Fatalf("unexpected envelope: %+v", body)
	}
}
