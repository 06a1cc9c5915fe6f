// Package restclinic implements the clinic collaborator interfaces against the
// clinic platform's JSON CRUD API.
package restclinic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/clinic-assist/pkg/clinic"
)

// Client talks to the clinic API. The zero HTTPClient uses an
// otelhttp-instrumented transport.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a client with an instrumented HTTP client and the given timeout.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Services exposes the client through the collaborator interfaces.
func (c *Client) Services() clinic.Services {
	return clinic.Services{Patients: c, Scheduling: c, Appointments: c, Visits: c, Invoices: c, Tasks: c}
}

func (c *Client) FindByPhone(ctx context.Context, phone string) ([]clinic.Patient, error) {
	var out struct {
		Items []clinic.Patient `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/patients", url.Values{"phone": {phone}}, nil, &out)
	return out.Items, err
}

func (c *Client) NextAvailableSlots(ctx context.Context, q clinic.SlotQuery) ([]clinic.Slot, error) {
	v := url.Values{"date": {q.Date.Format(time.RFC3339)}}
	setIf(v, "branchId", q.BranchID)
	setIf(v, "doctorId", q.DoctorID)
	setIf(v, "serviceId", q.ServiceID)
	if q.DurationMinutes > 0 {
		v.Set("durationMinutes", strconv.Itoa(q.DurationMinutes))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out struct {
		Items []clinic.Slot `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/scheduling/available-slots", v, nil, &out)
	return out.Items, err
}

type appointmentBody struct {
	PatientID       string    `json:"patientId"`
	DoctorID        string    `json:"doctorId"`
	ServiceID       string    `json:"serviceId"`
	BranchID        string    `json:"branchId"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes"`
	Notes           string    `json:"notes,omitempty"`
}

func (c *Client) Upsert(ctx context.Context, in clinic.AppointmentInput) (clinic.Appointment, error) {
	body := appointmentBody{
		PatientID:       in.PatientID,
		DoctorID:        in.DoctorID,
		ServiceID:       in.ServiceID,
		BranchID:        in.BranchID,
		ScheduledAt:     in.ScheduledAt,
		DurationMinutes: in.DurationMinutes,
		Notes:           in.Notes,
	}
	var out clinic.Appointment
	var err error
	if in.ID == "" {
		err = c.doJSON(ctx, http.MethodPost, "/api/appointments", nil, body, &out)
	} else {
		err = c.doJSON(ctx, http.MethodPut, "/api/appointments/"+url.PathEscape(in.ID), nil, body, &out)
	}
	return out, err
}

func (c *Client) LastVisit(ctx context.Context, patientID string) (clinic.Visit, error) {
	var out clinic.Visit
	err := c.doJSON(ctx, http.MethodGet, "/api/patients/"+url.PathEscape(patientID)+"/visits/last", nil, nil, &out)
	return out, err
}

func (c *Client) Find(ctx context.Context, q clinic.InvoiceQuery) ([]clinic.Invoice, error) {
	v := url.Values{}
	setIf(v, "patientId", q.PatientID)
	setIf(v, "phone", q.Phone)
	setIf(v, "invoiceNumber", q.InvoiceNumber)
	var out struct {
		Items []clinic.Invoice `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/invoices", v, nil, &out)
	return out.Items, err
}

type taskBody struct {
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssignedTo  string    `json:"assignedTo"`
	DueDate     time.Time `json:"dueDate"`
	Priority    string    `json:"priority"`
}

func (c *Client) Create(ctx context.Context, in clinic.TaskInput) (clinic.Task, error) {
	var out clinic.Task
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks", nil, taskBody(in), &out)
	return out, err
}

func setIf(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("clinic api %s %s failed: status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// Is maps 404 responses to clinic.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == clinic.ErrNotFound && e.Status == http.StatusNotFound
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody any, out any) error {
	if c == nil {
		return fmt.Errorf("clinic client is required")
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		return fmt.Errorf("clinic base url is required")
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := strings.TrimSpace(c.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
