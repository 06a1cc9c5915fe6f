package errmodel

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewAndFrom(t *testing.T) {
	e := Validation("missing", "field missing", map[string]any{"field": "phone"})
	if e.Category != CategoryValidation || e.Code != "missing" {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
}

func TestPersistenceIsRetryableAndUnwraps(t *testing.T) {
	root := errors.New("disk full")
	e := Persistence("persistence_failed", "could not save conversation", nil, root)
	if !Retryable(e) {
		t.Fatal("persistence errors must be retryable")
	}
	if !errors.Is(e, root) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if Retryable(Tool("tool_failed", "tool execution failed", nil, root)) {
		t.Fatal("tool errors are not turn-retryable")
	}
}

func TestWriteHTTP_StatusAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	WriteHTTP(rr, req, Validation("bad_json", "oops", nil))
	if rr.Code != 400 {
		t.Fatalf("status=%d want 400", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"category\":\"validation\"") {
		t.Fatalf("body missing category: %s", body)
	}
	if !strings.Contains(body, "\"code\":\"bad_json\"") {
		t.Fatalf("body missing code: %s", body)
	}
}

func TestWriteHTTP_PersistenceHidesCause(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", nil)
	WriteHTTP(rr, req, Persistence("persistence_failed", "could not save conversation", nil, errors.New("pq: secret table detail")))
	if rr.Code != 503 {
		t.Fatalf("status=%d want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if strings.Contains(rr.Body.String(), "secret table detail") {
		t.Fatalf("cause leaked: %s", rr.Body.String())
	}
}
