// Package classifier maps an inbound message plus trailing history to an
// intent, a confidence in [0,1] and any fields it could extract.
package classifier

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/wilhg/clinic-assist/pkg/conversation"
)

// Intent is the closed set of labels shared by both assistants.
type Intent string

const (
	Greeting              Intent = "GREETING"
	AppointmentRequest    Intent = "APPOINTMENT_REQUEST"
	AppointmentReschedule Intent = "APPOINTMENT_RESCHEDULE"
	AppointmentCancel     Intent = "APPOINTMENT_CANCEL"
	ServiceInquiry        Intent = "SERVICE_INQUIRY"
	PricingInquiry        Intent = "PRICING_INQUIRY"
	BillingInquiry        Intent = "BILLING_INQUIRY"
	VisitSummary          Intent = "VISIT_SUMMARY"
	PatientLookup         Intent = "PATIENT_LOOKUP"
	CreateTask            Intent = "CREATE_TASK"
	Complaint             Intent = "COMPLAINT"
	HumanRequest          Intent = "HUMAN_REQUEST"
	Other                 Intent = "OTHER"
)

// Intents lists every label.
func Intents() []Intent {
	return []Intent{Greeting, AppointmentRequest, AppointmentReschedule, AppointmentCancel,
		ServiceInquiry, PricingInquiry, BillingInquiry, VisitSummary, PatientLookup,
		CreateTask, Complaint, HumanRequest, Other}
}

// ParseIntent is case-insensitive; unknown labels map to Other and false.
func ParseIntent(s string) (Intent, bool) {
	up := Intent(strings.ToUpper(strings.TrimSpace(s)))
	for _, in := range Intents() {
		if in == up {
			return in, true
		}
	}
	return Other, false
}

// Request is the classifier input.
type Request struct {
	Message string
	// History is the trailing window, oldest first, excluding Message.
	History []conversation.Message
	// Now anchors relative dates such as "tomorrow".
	Now time.Time
}

// Classification is the classifier output.
type Classification struct {
	Intent     Intent                        `json:"intent"`
	Confidence float64                       `json:"confidence"`
	Entities   map[conversation.Field]string `json:"entities,omitempty"`
	// InvoiceNumber is the invoice the message refers to, if any.
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	// Fallback is set when the classifier was unavailable and the default
	// OTHER/0 answer was substituted.
	Fallback bool `json:"-"`
}

// Classifier is the pluggable intent model.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Classification, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, req Request) (Classification, error)

func (f Func) Classify(ctx context.Context, req Request) (Classification, error) { return f(ctx, req) }

// normalize clamps confidence, replaces unknown intents and drops entities
// that are unknown or malformed.
func normalize(c Classification) Classification {
	if in, ok := ParseIntent(string(c.Intent)); ok {
		c.Intent = in
	} else {
		c.Intent = Other
	}
	switch {
	case math.IsNaN(c.Confidence) || c.Confidence < 0:
		c.Confidence = 0
	case c.Confidence > 1:
		c.Confidence = 1
	}
	cleanEntities(c.Entities)
	c.InvoiceNumber = InvoiceNumber(c.InvoiceNumber)
	return c
}
