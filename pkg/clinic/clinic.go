// Package clinic describes the clinic CRUD services the tool handlers call.
// Only the shapes live here; implementations are in memclinic (in-process) and
// restclinic (HTTP backend).
package clinic

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("clinic: not found")

type Patient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type Slot struct {
	Start           time.Time `json:"start"`
	DoctorID        string    `json:"doctorId"`
	BranchID        string    `json:"branchId"`
	ServiceID       string    `json:"serviceId,omitempty"`
	DurationMinutes int       `json:"durationMinutes"`
}

type SlotQuery struct {
	BranchID        string
	DoctorID        string
	ServiceID       string
	Date            time.Time
	DurationMinutes int
	Limit           int
}

type Appointment struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patientId"`
	DoctorID        string    `json:"doctorId"`
	ServiceID       string    `json:"serviceId"`
	BranchID        string    `json:"branchId"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes"`
	Notes           string    `json:"notes,omitempty"`
	Status          string    `json:"status"`
}

// AppointmentInput creates an appointment, or updates one when ID is set.
type AppointmentInput struct {
	ID              string
	PatientID       string
	DoctorID        string
	ServiceID       string
	BranchID        string
	ScheduledAt     time.Time
	DurationMinutes int
	Notes           string
}

type Visit struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	Date      time.Time `json:"date"`
	Reason    string    `json:"reason"`
	Summary   string    `json:"summary"`
	FollowUp  string    `json:"followUp,omitempty"`
}

type Invoice struct {
	Number    string    `json:"number"`
	PatientID string    `json:"patientId"`
	Status    string    `json:"status"`
	Total     float64   `json:"total"`
	AmountDue float64   `json:"amountDue"`
	Currency  string    `json:"currency"`
	DueDate   time.Time `json:"dueDate"`
}

// InvoiceQuery matches invoices by any of the given keys.
type InvoiceQuery struct {
	PatientID     string
	Phone         string
	InvoiceNumber string
}

type Task struct {
	ID          string    `json:"id"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssignedTo  string    `json:"assignedTo"`
	DueDate     time.Time `json:"dueDate"`
	Priority    string    `json:"priority"`
}

type TaskInput struct {
	EntityType  string
	EntityID    string
	Title       string
	Description string
	AssignedTo  string
	DueDate     time.Time
	Priority    string
}

type Patients interface {
	FindByPhone(ctx context.Context, phone string) ([]Patient, error)
}

type Scheduling interface {
	NextAvailableSlots(ctx context.Context, q SlotQuery) ([]Slot, error)
}

type Appointments interface {
	Upsert(ctx context.Context, in AppointmentInput) (Appointment, error)
}

type Visits interface {
	// LastVisit returns ErrNotFound when the patient has no visits.
	LastVisit(ctx context.Context, patientID string) (Visit, error)
}

type Invoices interface {
	Find(ctx context.Context, q InvoiceQuery) ([]Invoice, error)
}

type Tasks interface {
	Create(ctx context.Context, in TaskInput) (Task, error)
}

// Services bundles every collaborator a tool handler may need.
type Services struct {
	Patients     Patients
	Scheduling   Scheduling
	Appointments Appointments
	Visits       Visits
	Invoices     Invoices
	Tasks        Tasks
}
