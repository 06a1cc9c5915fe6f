// Package httpapi exposes the customer agent, the staff copilot and the
// conversation snapshot over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/errmodel"
	"github.com/wilhg/clinic-assist/pkg/orchestrator"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/store"
)

const maxBody = 1 << 20

// Assistants is the orchestrator surface the router serves.
type Assistants interface {
	HandleCustomer(ctx context.Context, req orchestrator.CustomerRequest) (orchestrator.CustomerResponse, error)
	HandleStaff(ctx context.Context, req orchestrator.StaffRequest) (orchestrator.StaffResponse, error)
	Conversation(ctx context.Context, id string) (*conversation.Context, []store.TurnRecord, error)
}

type handler struct {
	assistants Assistants
	roles      permission.RoleTable
	validate   *validator.Validate
	log        *slog.Logger
}

type Option func(*handler)

// WithRoles sets the role table staff callers are resolved against.
func WithRoles(t permission.RoleTable) Option {
	return func(h *handler) {
		if t != nil {
			h.roles = t
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *handler) {
		if l != nil {
			h.log = l
		}
	}
}

// NewRouter returns the instrumented API handler.
func NewRouter(a Assistants, opts ...Option) http.Handler {
	h := &handler{
		assistants: a,
		roles:      permission.DefaultRoles(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent/messages", h.customerMessage)
	mux.HandleFunc("POST /v1/copilot/query", h.staffQuery)
	mux.HandleFunc("GET /v1/conversations/{id}", h.getConversation)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return otelhttp.NewHandler(mux, "clinic-assist")
}

func (h *handler) customerMessage(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CustomerRequest
	if err := h.decode(r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	ch, err := conversation.ParseChannel(string(req.Channel))
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_channel", err.Error(), map[string]any{"channel": req.Channel}))
		return
	}
	req.Channel = ch

	res, err := h.assistants.HandleCustomer(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

func (h *handler) staffQuery(w http.ResponseWriter, r *http.Request) {
	caller, err := h.staffCaller(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	var req orchestrator.StaffRequest
	if err := h.decode(r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	req.Caller = caller

	res, err := h.assistants.HandleStaff(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

type conversationView struct {
	Conversation *conversation.Context `json:"conversation"`
	Turns        []store.TurnRecord    `json:"turns"`
}

func (h *handler) getConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, turns, err := h.assistants.Conversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "conversation not found", map[string]any{"conversation_id": id}))
		return
	}
	if err != nil {
		h.fail(w, r, errmodel.Persistence("persistence_failed", "conversation store unavailable", nil, err))
		return
	}
	if turns == nil {
		turns = []store.TurnRecord{}
	}
	jsonResponse(w, http.StatusOK, conversationView{Conversation: c, Turns: turns})
}

// staffCaller resolves the caller from headers set by the authenticating
// proxy in front of this service.
func (h *handler) staffCaller(r *http.Request) (permission.Caller, error) {
	id := strings.TrimSpace(r.Header.Get("X-Staff-Id"))
	role := permission.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-Staff-Role"))))
	if id == "" || role == "" {
		return permission.Caller{}, errmodel.Policy("unauthorized", "X-Staff-Id and X-Staff-Role headers are required", nil)
	}
	if _, ok := h.roles[role]; !ok || role == permission.RoleCustomerAgent {
		return permission.Caller{}, errmodel.Policy("unknown_role", "unknown staff role", map[string]any{"role": string(role)})
	}
	return permission.NewCaller(id, role, h.roles), nil
}

func (h *handler) decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errmodel.Validation("invalid_json", "request body is not valid JSON", map[string]any{"detail": err.Error()})
	}
	if err := h.validate.Struct(dst); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return errmodel.Validation("invalid_request", err.Error(), nil)
		}
		fields := make([]string, 0, len(ves))
		for _, fe := range ves {
			fields = append(fields, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
		}
		return errmodel.Validation("invalid_request", "request failed validation", map[string]any{"fields": strings.Join(fields, "; ")})
	}
	return nil
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errmodel.From(err) == nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = errmodel.System("cancelled", "request cancelled before the turn started", nil, err)
		} else {
			err = errmodel.System("internal", "internal error", nil, err)
		}
	}
	h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	errmodel.WriteHTTP(w, r, err)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
