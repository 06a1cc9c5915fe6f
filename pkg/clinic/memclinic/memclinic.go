// Package memclinic is an in-process clinic backend used for local runs and
// tests. It is deterministic: slots are generated from fixed opening hours and
// ids are sequential.
package memclinic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wilhg/clinic-assist/pkg/clinic"
)

// Clinic holds patients, doctors, appointments, visits, invoices and tasks.
type Clinic struct {
	mu           sync.Mutex
	patients     []clinic.Patient
	doctors      []string
	branchID     string
	openHour     int
	closeHour    int
	appointments map[string]clinic.Appointment
	visits       map[string][]clinic.Visit
	invoices     []clinic.Invoice
	tasks        []clinic.Task
	seq          int
}

// New returns an empty clinic with the given doctors working at branchID 09:00-17:00 UTC.
func New(branchID string, doctors ...string) *Clinic {
	return &Clinic{
		branchID:     branchID,
		doctors:      doctors,
		openHour:     9,
		closeHour:    17,
		appointments: map[string]clinic.Appointment{},
		visits:       map[string][]clinic.Visit{},
	}
}

// Demo returns a clinic seeded with a handful of records for local runs.
func Demo() *Clinic {
	c := New("branch-main", "dr-lee", "dr-okafor")
	c.AddPatient(clinic.Patient{ID: "pat-1001", Name: "Maria Gonzalez", Phone: "+15550101", Email: "maria@example.com"})
	c.AddPatient(clinic.Patient{ID: "pat-1002", Name: "James Chen", Phone: "+15550102"})
	// Two patients share a household phone.
	c.AddPatient(clinic.Patient{ID: "pat-1003", Name: "Ana Silva", Phone: "+15550199"})
	c.AddPatient(clinic.Patient{ID: "pat-1004", Name: "Rui Silva", Phone: "+15550199"})
	c.AddVisit(clinic.Visit{ID: "vis-1", PatientID: "pat-1001", DoctorID: "dr-lee", Date: time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC), Reason: "annual check-up", Summary: "Vitals normal, bloodwork ordered.", FollowUp: "review bloodwork in 2 weeks"})
	c.AddInvoice(clinic.Invoice{Number: "INV-2025-001", PatientID: "pat-1001", Status: "unpaid", Total: 180, AmountDue: 180, Currency: "USD", DueDate: time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC)})
	c.AddInvoice(clinic.Invoice{Number: "INV-2025-002", PatientID: "pat-1002", Status: "paid", Total: 95, Currency: "USD", DueDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)})
	return c
}

// Services exposes the clinic through the collaborator interfaces.
func (c *Clinic) Services() clinic.Services {
	return clinic.Services{Patients: c, Scheduling: c, Appointments: c, Visits: c, Invoices: c, Tasks: c}
}

func (c *Clinic) AddPatient(p clinic.Patient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patients = append(c.patients, p)
}

func (c *Clinic) AddVisit(v clinic.Visit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visits[v.PatientID] = append(c.visits[v.PatientID], v)
}

func (c *Clinic) AddInvoice(inv clinic.Invoice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoices = append(c.invoices, inv)
}

// Tasks returns a copy of created follow-up tasks.
func (c *Clinic) Tasks() []clinic.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]clinic.Task(nil), c.tasks...)
}

// Appointments returns a copy of booked appointments ordered by id.
func (c *Clinic) Appointments() []clinic.Appointment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]clinic.Appointment, 0, len(c.appointments))
	for _, a := range c.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Clinic) FindByPhone(ctx context.Context, phone string) ([]clinic.Patient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := normalizePhone(phone)
	var out []clinic.Patient
	for _, p := range c.patients {
		if normalizePhone(p.Phone) == want {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Clinic) NextAvailableSlots(ctx context.Context, q clinic.SlotQuery) ([]clinic.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.BranchID != "" && q.BranchID != c.branchID {
		return nil, nil
	}
	dur := q.DurationMinutes
	if dur <= 0 {
		dur = 30
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	day := time.Date(q.Date.Year(), q.Date.Month(), q.Date.Day(), 0, 0, 0, 0, time.UTC)
	open := day.Add(time.Duration(c.openHour) * time.Hour)
	closing := day.Add(time.Duration(c.closeHour) * time.Hour)
	// A date-time query only returns slots at or after that time.
	if q.Date.After(open) {
		open = q.Date.UTC()
	}
	var out []clinic.Slot
	for start := open; !start.Add(time.Duration(dur) * time.Minute).After(closing); start = start.Add(time.Duration(dur) * time.Minute) {
		for _, doc := range c.doctors {
			if q.DoctorID != "" && q.DoctorID != doc {
				continue
			}
			if c.bookedLocked(doc, start, dur) {
				continue
			}
			out = append(out, clinic.Slot{Start: start, DoctorID: doc, BranchID: c.branchID, ServiceID: q.ServiceID, DurationMinutes: dur})
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (c *Clinic) bookedLocked(doctor string, start time.Time, dur int) bool {
	end := start.Add(time.Duration(dur) * time.Minute)
	for _, a := range c.appointments {
		if a.DoctorID != doctor || a.Status == "cancelled" {
			continue
		}
		aEnd := a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
		if start.Before(aEnd) && a.ScheduledAt.Before(end) {
			return true
		}
	}
	return false
}

func (c *Clinic) Upsert(ctx context.Context, in clinic.AppointmentInput) (clinic.Appointment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in.ID != "" {
		if _, ok := c.appointments[in.ID]; !ok {
			return clinic.Appointment{}, fmt.Errorf("appointment %s: %w", in.ID, clinic.ErrNotFound)
		}
	}
	id := in.ID
	if id == "" {
		c.seq++
		id = fmt.Sprintf("apt-%04d", c.seq)
	}
	dur := in.DurationMinutes
	if dur <= 0 {
		dur = 30
	}
	// Ignore the appointment being moved when checking for overlaps.
	prev, hadPrev := c.appointments[id]
	delete(c.appointments, id)
	if c.bookedLocked(in.DoctorID, in.ScheduledAt, dur) {
		if hadPrev {
			c.appointments[id] = prev
		}
		return clinic.Appointment{}, fmt.Errorf("doctor %s is not available at %s", in.DoctorID, in.ScheduledAt.Format(time.RFC3339))
	}
	a := clinic.Appointment{
		ID:              id,
		PatientID:       in.PatientID,
		DoctorID:        in.DoctorID,
		ServiceID:       in.ServiceID,
		BranchID:        in.BranchID,
		ScheduledAt:     in.ScheduledAt.UTC(),
		DurationMinutes: dur,
		Notes:           in.Notes,
		Status:          "scheduled",
	}
	c.appointments[id] = a
	return a, nil
}

func (c *Clinic) LastVisit(ctx context.Context, patientID string) (clinic.Visit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vs := c.visits[patientID]
	if len(vs) == 0 {
		return clinic.Visit{}, clinic.ErrNotFound
	}
	last := vs[0]
	for _, v := range vs[1:] {
		if v.Date.After(last.Date) {
			last = v
		}
	}
	return last, nil
}

func (c *Clinic) Find(ctx context.Context, q clinic.InvoiceQuery) ([]clinic.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	patientIDs := map[string]bool{}
	if q.PatientID != "" {
		patientIDs[q.PatientID] = true
	}
	if q.Phone != "" {
		want := normalizePhone(q.Phone)
		for _, p := range c.patients {
			if normalizePhone(p.Phone) == want {
				patientIDs[p.ID] = true
			}
		}
	}
	var out []clinic.Invoice
	for _, inv := range c.invoices {
		if q.InvoiceNumber != "" && !strings.EqualFold(inv.Number, q.InvoiceNumber) {
			continue
		}
		if len(patientIDs) > 0 && !patientIDs[inv.PatientID] {
			continue
		}
		if q.InvoiceNumber == "" && len(patientIDs) == 0 {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (c *Clinic) Create(ctx context.Context, in clinic.TaskInput) (clinic.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := clinic.Task{
		ID:          fmt.Sprintf("task-%04d", c.seq),
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Title:       in.Title,
		Description: in.Description,
		AssignedTo:  in.AssignedTo,
		DueDate:     in.DueDate,
		Priority:    in.Priority,
	}
	c.tasks = append(c.tasks, t)
	return t, nil
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
