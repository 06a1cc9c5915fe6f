// Package clinictools defines the six clinic tools over the collaborator
// services in package clinic and assembles them into an immutable registry.
package clinictools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wilhg/clinic-assist/pkg/clinic"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/tool"
)

// Options tune handler defaults.
type Options struct {
	DefaultBranchID     string
	DefaultSlotDuration int // minutes
	SlotLimit           int
}

// Entity types accepted by create_followup_task.
const (
	EntityPatient      = "Patient"
	EntityLead         = "Lead"
	EntityAppointment  = "Appointment"
	EntityConversation = "Conversation"
)

type FindPatientByPhoneParams struct {
	Phone string `json:"phone"`
}

type NextAvailableSlotsParams struct {
	BranchID        string `json:"branchId,omitempty"`
	DoctorID        string `json:"doctorId,omitempty"`
	ServiceID       string `json:"serviceId,omitempty"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

type AppointmentParams struct {
	AppointmentID   string `json:"appointmentId,omitempty"`
	PatientID       string `json:"patientId"`
	DoctorID        string `json:"doctorId"`
	ServiceID       string `json:"serviceId"`
	BranchID        string `json:"branchId"`
	ScheduledAt     string `json:"scheduledAt"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type SummarizeLastVisitParams struct {
	PatientID string `json:"patientId"`
}

type InvoiceStatusParams struct {
	PatientID     string `json:"patientId,omitempty"`
	Phone         string `json:"phone,omitempty"`
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
}

type FollowupTaskParams struct {
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssignedTo  string `json:"assignedTo"`
	DueDate     string `json:"dueDate"`
	Priority    string `json:"priority,omitempty"`
}

// PatientMatch is the payload of find_patient_by_phone.
type PatientMatch struct {
	Matches []clinic.Patient `json:"matches"`
	// Patient is set only when exactly one patient matched.
	Patient *clinic.Patient `json:"patient,omitempty"`
}

// SlotList is the payload of get_next_available_slots.
type SlotList struct {
	Date  string        `json:"date"`
	Slots []clinic.Slot `json:"slots"`
}

// VisitSummary is the payload of summarize_last_visit.
type VisitSummary struct {
	Found   bool          `json:"found"`
	Visit   *clinic.Visit `json:"visit,omitempty"`
	Summary string        `json:"summary"`
}

// InvoiceStatus is the payload of get_invoice_status.
type InvoiceStatus struct {
	Invoices       []clinic.Invoice `json:"invoices"`
	OutstandingDue float64          `json:"outstandingDue"`
}

// New builds the registry of all six clinic tools.
func New(svc clinic.Services, opts Options) (*tool.Registry, error) {
	if svc.Patients == nil || svc.Scheduling == nil || svc.Appointments == nil ||
		svc.Visits == nil || svc.Invoices == nil || svc.Tasks == nil {
		return nil, errors.New("clinictools: every clinic service is required")
	}
	if opts.DefaultSlotDuration <= 0 {
		opts.DefaultSlotDuration = 30
	}
	if opts.SlotLimit <= 0 {
		opts.SlotLimit = 5
	}
	h := handlers{svc: svc, opts: opts}

	var errs []error
	must := func(d tool.Definition, err error) tool.Definition {
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	defs := []tool.Definition{
		must(tool.Typed(tool.FindPatientByPhone,
			"Find patients registered under a phone number.",
			[]permission.Capability{permission.PatientsRead},
			h.findPatient, tool.NonEmpty("phone"))),
		must(tool.Typed(tool.GetNextAvailableSlots,
			"List the next open appointment slots on or after a date.",
			[]permission.Capability{permission.ScheduleRead},
			h.nextSlots, tool.DateField("date"), tool.Positive("durationMinutes"))),
		must(tool.Typed(tool.CreateOrUpdateAppointment,
			"Book an appointment, or move an existing one when appointmentId is given.",
			[]permission.Capability{permission.AppointmentsWrite},
			h.upsertAppointment,
			tool.DateField("scheduledAt"), tool.Positive("durationMinutes"),
			tool.NonEmpty("patientId", "doctorId", "serviceId", "branchId"))),
		must(tool.Typed(tool.SummarizeLastVisit,
			"Summarize a patient's most recent visit.",
			[]permission.Capability{permission.VisitsRead},
			h.lastVisit, tool.NonEmpty("patientId"))),
		must(tool.Typed(tool.GetInvoiceStatus,
			"Look up invoice status by patient, phone or invoice number.",
			[]permission.Capability{permission.BillingRead},
			h.invoiceStatus)),
		must(tool.Typed(tool.CreateFollowupTask,
			"Create a follow-up task for staff.",
			[]permission.Capability{permission.TasksWrite},
			h.followupTask,
			tool.Enum("entityType", EntityPatient, EntityLead, EntityAppointment, EntityConversation),
			tool.Enum("priority", "low", "medium", "high", "urgent"),
			tool.DateField("dueDate"),
			tool.NonEmpty("entityId", "title", "assignedTo"))),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tool.NewRegistry(defs...)
}

type handlers struct {
	svc  clinic.Services
	opts Options
}

func (h handlers) findPatient(ctx context.Context, p FindPatientByPhoneParams) (tool.Outcome, error) {
	ps, err := h.svc.Patients.FindByPhone(ctx, p.Phone)
	if err != nil {
		return tool.Outcome{}, fmt.Errorf("find patient: %w", err)
	}
	out := PatientMatch{Matches: ps}
	if out.Matches == nil {
		out.Matches = []clinic.Patient{}
	}
	switch len(ps) {
	case 0:
		return tool.Outcome{Data: out, RequiresHumanHandoff: true, HandoffReason: "no patient is registered under this phone number"}, nil
	case 1:
		out.Patient = &ps[0]
		return tool.Outcome{Data: out}, nil
	default:
		return tool.Outcome{Data: out, RequiresHumanHandoff: true,
			HandoffReason: fmt.Sprintf("phone number matches %d patients", len(ps))}, nil
	}
}

func (h handlers) nextSlots(ctx context.Context, p NextAvailableSlotsParams) (tool.Outcome, error) {
	date, err := tool.ParseISO(p.Date)
	if err != nil {
		return tool.Outcome{}, err
	}
	branch := p.BranchID
	if branch == "" {
		branch = h.opts.DefaultBranchID
	}
	dur := p.DurationMinutes
	if dur == 0 {
		dur = h.opts.DefaultSlotDuration
	}
	slots, err := h.svc.Scheduling.NextAvailableSlots(ctx, clinic.SlotQuery{
		BranchID:        branch,
		DoctorID:        p.DoctorID,
		ServiceID:       p.ServiceID,
		Date:            date,
		DurationMinutes: dur,
		Limit:           h.opts.SlotLimit,
	})
	if err != nil {
		return tool.Outcome{}, fmt.Errorf("next slots: %w", err)
	}
	if slots == nil {
		slots = []clinic.Slot{}
	}
	return tool.Outcome{Data: SlotList{Date: date.Format(time.DateOnly), Slots: slots}}, nil
}

func (h handlers) upsertAppointment(ctx context.Context, p AppointmentParams) (tool.Outcome, error) {
	at, err := tool.ParseISO(p.ScheduledAt)
	if err != nil {
		return tool.Outcome{}, err
	}
	dur := p.DurationMinutes
	if dur == 0 {
		dur = h.opts.DefaultSlotDuration
	}
	a, err := h.svc.Appointments.Upsert(ctx, clinic.AppointmentInput{
		ID:              p.AppointmentID,
		PatientID:       p.PatientID,
		DoctorID:        p.DoctorID,
		ServiceID:       p.ServiceID,
		BranchID:        p.BranchID,
		ScheduledAt:     at,
		DurationMinutes: dur,
		Notes:           p.Notes,
	})
	if err != nil {
		return tool.Outcome{}, fmt.Errorf("upsert appointment: %w", err)
	}
	return tool.Outcome{Data: a}, nil
}

func (h handlers) lastVisit(ctx context.Context, p SummarizeLastVisitParams) (tool.Outcome, error) {
	v, err := h.svc.Visits.LastVisit(ctx, p.PatientID)
	if errors.Is(err, clinic.ErrNotFound) {
		return tool.Outcome{Data: VisitSummary{Summary: "No previous visits on record."}}, nil
	}
	if err != nil {
		return tool.Outcome{}, fmt.Errorf("last visit: %w", err)
	}
	return tool.Outcome{Data: VisitSummary{Found: true, Visit: &v, Summary: summarizeVisit(v)}}, nil
}

func summarizeVisit(v clinic.Visit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Last visit on %s", v.Date.Format(time.DateOnly))
	if v.DoctorID != "" {
		fmt.Fprintf(&b, " with %s", v.DoctorID)
	}
	if v.Reason != "" {
		fmt.Fprintf(&b, " for %s", v.Reason)
	}
	b.WriteString(".")
	if v.Summary != "" {
		b.WriteString(" " + v.Summary)
	}
	if v.FollowUp != "" {
		b.WriteString(" Follow-up: " + v.FollowUp + ".")
	}
	return b.String()
}

func (h handlers) invoiceStatus(ctx context.Context, p InvoiceStatusParams) (tool.Outcome, error) {
	// All keys are optional in the contract but at least one is needed to scope a lookup.
	if p.PatientID == "" && p.Phone == "" && p.InvoiceNumber == "" {
		return tool.Outcome{}, errors.New("invoice status: no lookup key given")
	}
	invs, err := h.svc.Invoices.Find(ctx, clinic.InvoiceQuery{PatientID: p.PatientID, Phone: p.Phone, InvoiceNumber: p.InvoiceNumber})
	if err != nil {
		return tool.Outcome{}, fmt.Errorf("invoice status: %w", err)
	}
	out := InvoiceStatus{Invoices: invs}
	if out.Invoices == nil {
		out.Invoices = []clinic.Invoice{}
	}
	for _, inv := range invs {
		out.OutstandingDue += inv.AmountDue
	}
	return tool.Outcome{Data: out}, nil
}

func (h handlers) followupTask(ctx context.Context, p FollowupTaskParams) (tool.Outcome, error) {
	due, err := tool.ParseISO(p.DueDate)
	if err != nil {
		return tool.Outcome{}, err
	}
	prio := p.Priority
	if prio == "" {
		prio = "medium"
	}
	t, err := h.svc.Tasks.Create(ctx, clinic.TaskInput{
		EntityType:  p.EntityType,
		EntityID:    p.EntityID,
		Title:       p.Title,
		Description: p.Description,
		AssignedTo:  p.AssignedTo,
		DueDate:     due,
		Priority:    prio,
	})
	if err != nil {
		return tool.Outcome{}, fmt.Errorf("create task: %w", err)
	}
	return tool.Outcome{Data: t}, nil
}
