package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/clinic/memclinic"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/dispatch"
	"github.com/wilhg/clinic-assist/pkg/errmodel"
	"github.com/wilhg/clinic-assist/pkg/orchestrator"
	"github.com/wilhg/clinic-assist/pkg/store"
	"github.com/wilhg/clinic-assist/pkg/store/memstore"
	"github.com/wilhg/clinic-assist/pkg/tool/clinictools"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	c := memclinic.Demo()
	reg, err := clinictools.New(c.Services(), clinictools.Options{})
	if err != nil {
		t.Fatal(err)
	}
	o := orchestrator.New(memstore.New(), classifier.NewKeyword(nil), dispatch.New(reg))
	return NewRouter(o)
}

func do(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type envelope struct {
	Error struct {
		Category string `json:"category"`
		Code     string `json:"code"`
	} `json:"error"`
	Retryable bool `json:"retryable"`
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env envelope
	decodeBody(t, rec, &env)
	return env.Error.Code
}

func TestCustomerMessageThenSnapshot(t *testing.T) {
	h := newRouter(t)
	rec := do(t, h, http.MethodPost, "/v1/agent/messages", map[string]any{
		"message": "Hello there",
		"channel": "whatsapp",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var res orchestrator.CustomerResponse
	decodeBody(t, rec, &res)
	if res.ConversationID == "" || res.Intent != classifier.Greeting || res.Response == "" {
		t.Fatalf("unexpected response: %+v", res)
	}

	rec = do(t, h, http.MethodGet, "/v1/conversations/"+res.ConversationID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status %d: %s", rec.Code, rec.Body)
	}
	var view struct {
		Conversation conversation.Context `json:"conversation"`
		Turns        []store.TurnRecord   `json:"turns"`
	}
	decodeBody(t, rec, &view)
	if view.Conversation.Channel != conversation.ChannelWhatsApp || len(view.Turns) != 1 {
		t.Fatalf("snapshot: channel=%s turns=%d", view.Conversation.Channel, len(view.Turns))
	}
	if len(view.Conversation.Messages) != 2 {
		t.Fatalf("history length %d, want 2", len(view.Conversation.Messages))
	}
}

func TestCustomerMessageRejectsBadInput(t *testing.T) {
	h := newRouter(t)
	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing message", map[string]any{"conversationId": "c-1"}, "invalid_request"},
		{"unknown field", map[string]any{"message": "hi", "colour": "blue"}, "invalid_json"},
		{"malformed", `{"message":`, "invalid_json"},
		{"bad channel", map[string]any{"message": "hi", "channel": "pigeon"}, "invalid_channel"},
		{"bad history role", map[string]any{"message": "hi", "messageHistory": []map[string]string{{"role": "robot", "content": "x"}}}, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/agent/messages", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d: %s", rec.Code, rec.Body)
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Fatalf("code %q, want %q", got, tt.code)
			}
		})
	}
}

func TestStaffQueryCaller(t *testing.T) {
	h := newRouter(t)
	body := map[string]any{
		"query":             "Create a follow-up task for this patient",
		"currentEntityType": "Patient",
		"currentEntityId":   "pat-1001",
	}

	rec := do(t, h, http.MethodPost, "/v1/copilot/query", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing headers: status %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/copilot/query", body, map[string]string{"X-Staff-Id": "u1", "X-Staff-Role": "janitor"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown role: status %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/copilot/query", body, map[string]string{"X-Staff-Id": "nurse-1", "X-Staff-Role": "nurse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("nurse: status %d: %s", rec.Code, rec.Body)
	}
	var res orchestrator.StaffResponse
	decodeBody(t, rec, &res)
	if !res.PermissionDenied || !strings.Contains(res.PermissionDeniedReason, "tasks:write") {
		t.Fatalf("nurse should be denied: %+v", res)
	}

	rec = do(t, h, http.MethodPost, "/v1/copilot/query", body, map[string]string{"X-Staff-Id": "rec-1", "X-Staff-Role": "Receptionist"})
	if rec.Code != http.StatusOK {
		t.Fatalf("receptionist: status %d: %s", rec.Code, rec.Body)
	}
	res = orchestrator.StaffResponse{}
	decodeBody(t, rec, &res)
	if res.PermissionDenied || len(res.ToolsExecuted) != 1 || !res.ToolsExecuted[0].Success {
		t.Fatalf("receptionist should create the task: %+v", res)
	}
}

func TestUnknownConversation(t *testing.T) {
	rec := do(t, newRouter(t), http.MethodGet, "/v1/conversations/nope", nil, nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "not_found" {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
}

type failingAssistants struct{ err error }

func (f failingAssistants) HandleCustomer(context.Context, orchestrator.CustomerRequest) (orchestrator.CustomerResponse, error) {
	return orchestrator.CustomerResponse{}, f.err
}

func (f failingAssistants) HandleStaff(context.Context, orchestrator.StaffRequest) (orchestrator.StaffResponse, error) {
	return orchestrator.StaffResponse{}, f.err
}

func (f failingAssistants) Conversation(context.Context, string) (*conversation.Context, []store.TurnRecord, error) {
	return nil, nil, f.err
}

func TestPersistenceFailureIsRetryable(t *testing.T) {
	h := NewRouter(failingAssistants{err: errmodel.Persistence("persistence_failed", "conversation could not be saved", nil, errors.New("disk full"))})
	rec := do(t, h, http.MethodPost, "/v1/agent/messages", map[string]any{"message": "hi"}, nil)
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	var env envelope
	decodeBody(t, rec, &env)
	if !env.Retryable || strings.Contains(rec.Body.String(), "disk full") {
		t.Fatalf("envelope: %s", rec.Body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newRouter(t)
	if rec := do(t, h, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/v1/agent/messages", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method status %d", rec.Code)
	}
}
