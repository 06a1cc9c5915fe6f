package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/clinic"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/tool"
	"github.com/wilhg/clinic-assist/pkg/tool/clinictools"
)

type stepStatus int

const (
	stepPending stepStatus = iota
	stepSucceeded
	stepFailed
	stepSkipped
	// stepDropped steps were not applicable and are not reported.
	stepDropped
)

// Reasons a step could not be built. They double as staff follow-ups.
const (
	skipNeedPhone       = "Ask for the phone number the patient registered with"
	skipNeedBillingKey  = "Ask for a phone number or invoice number to check billing"
	skipNeedPatient     = "Identify the patient first"
	skipNeedAppointment = "Ask which appointment should be moved"
	skipSlotTaken       = "The requested time is not available; offer one of the listed slots"
)

// step is one planned tool call. build runs right before dispatch so it sees
// the results of earlier steps. It returns the params to send, or a reason
// the call cannot be made; returning neither drops the step silently.
type step struct {
	tool  tool.Name
	deps  []int
	build func(t *turnState) (params any, skip string)

	status stepStatus
	skip   string
	result tool.Result
}

// plan maps the classified intent to an ordered list of steps. Steps that
// consume another step's output list it in deps.
func plan(t *turnState) []*step {
	switch t.cls.Intent {
	case classifier.AppointmentRequest, classifier.AppointmentReschedule:
		var steps []*step
		var deps []int
		if t.patientID() == "" {
			steps = append(steps, &step{tool: tool.FindPatientByPhone, build: buildFindPatient})
			deps = append(deps, 0)
		}
		steps = append(steps, &step{tool: tool.GetNextAvailableSlots, build: buildNextSlots})
		deps = append(deps, len(steps)-1)
		steps = append(steps, &step{tool: tool.CreateOrUpdateAppointment, deps: deps, build: buildAppointment})
		return steps

	case classifier.AppointmentCancel:
		return []*step{{tool: tool.CreateFollowupTask, build: buildTask("Cancel appointment", "medium")}}

	case classifier.Complaint:
		return []*step{{tool: tool.CreateFollowupTask, build: buildTask("Customer complaint", "high")}}

	case classifier.BillingInquiry:
		return []*step{{tool: tool.GetInvoiceStatus, build: buildInvoiceStatus}}

	case classifier.VisitSummary:
		if t.patientID() == "" {
			return []*step{
				{tool: tool.FindPatientByPhone, build: buildFindPatient},
				{tool: tool.SummarizeLastVisit, deps: []int{0}, build: buildVisitSummary},
			}
		}
		return []*step{{tool: tool.SummarizeLastVisit, build: buildVisitSummary}}

	case classifier.PatientLookup:
		return []*step{{tool: tool.FindPatientByPhone, build: buildFindPatient}}

	case classifier.CreateTask:
		return []*step{{tool: tool.CreateFollowupTask, build: buildTask("Follow up", "medium")}}
	}
	// Greetings, service and pricing questions, human requests and OTHER
	// are answered without tools.
	return nil
}

func buildFindPatient(t *turnState) (any, string) {
	phone := t.conv.Extracted[conversation.FieldPhone]
	if phone == "" {
		return nil, skipNeedPhone
	}
	return clinictools.FindPatientByPhoneParams{Phone: phone}, ""
}

func buildNextSlots(t *turnState) (any, string) {
	date := t.conv.Extracted[conversation.FieldPreferredDate]
	if date == "" {
		date = t.now.Format(time.DateOnly)
	}
	// With a preferred time, ask for slots from that time on so the
	// requested slot is not cut off by the result limit.
	if at, ok := t.preferredStart(); ok {
		date = at.Format(time.RFC3339)
	}
	return clinictools.NextAvailableSlotsParams{
		DoctorID:  t.conv.Extracted[conversation.FieldPreferredDoctor],
		ServiceID: t.conv.Extracted[conversation.FieldPreferredService],
		Date:      date,
	}, ""
}

func buildAppointment(t *turnState) (any, string) {
	at, ok := t.preferredStart()
	if !ok {
		// No concrete time requested yet; the composer offers the slots.
		return nil, ""
	}
	if t.patientID() == "" {
		return nil, skipNeedPatient
	}
	var slot *clinic.Slot
	if t.slots != nil {
		for i := range t.slots.Slots {
			if t.slots.Slots[i].Start.Equal(at) {
				slot = &t.slots.Slots[i]
				break
			}
		}
	}
	if slot == nil {
		return nil, skipSlotTaken
	}
	p := clinictools.AppointmentParams{
		PatientID:       t.patientID(),
		DoctorID:        slot.DoctorID,
		ServiceID:       firstNonEmpty(slot.ServiceID, t.conv.Extracted[conversation.FieldPreferredService], t.orch.policy.DefaultServiceID),
		BranchID:        slot.BranchID,
		ScheduledAt:     slot.Start.UTC().Format(time.RFC3339),
		DurationMinutes: slot.DurationMinutes,
		Notes:           t.conv.Extracted[conversation.FieldNotes],
	}
	if t.cls.Intent == classifier.AppointmentReschedule {
		if t.conv.Linked.AppointmentID == "" {
			return nil, skipNeedAppointment
		}
		p.AppointmentID = t.conv.Linked.AppointmentID
	}
	return p, ""
}

func buildInvoiceStatus(t *turnState) (any, string) {
	p := clinictools.InvoiceStatusParams{
		PatientID:     t.patientID(),
		InvoiceNumber: t.cls.InvoiceNumber,
	}
	if p.PatientID == "" {
		p.Phone = t.conv.Extracted[conversation.FieldPhone]
	}
	if p.PatientID == "" && p.Phone == "" && p.InvoiceNumber == "" {
		return nil, skipNeedBillingKey
	}
	return p, ""
}

func buildVisitSummary(t *turnState) (any, string) {
	id := t.patientID()
	if id == "" {
		return nil, skipNeedPatient
	}
	return clinictools.SummarizeLastVisitParams{PatientID: id}, ""
}

func buildTask(title, priority string) func(*turnState) (any, string) {
	return func(t *turnState) (any, string) {
		entityType, entityID := t.taskEntity()
		desc := t.in.message
		if t.in.staffContext != "" {
			desc += "\n\nContext: " + t.in.staffContext
		}
		assignee, due := t.orch.policy.FollowupAssignee, t.now
		if t.in.assistant == AssistantStaff {
			assignee = firstNonEmpty(t.in.caller.ID, assignee)
			due = t.now.AddDate(0, 0, 1)
			if d, err := time.Parse(time.DateOnly, t.conv.Extracted[conversation.FieldPreferredDate]); err == nil {
				due = d
			}
		}
		return clinictools.FollowupTaskParams{
			EntityType:  entityType,
			EntityID:    entityID,
			Title:       title,
			Description: desc,
			AssignedTo:  assignee,
			DueDate:     due.Format(time.DateOnly),
			Priority:    priority,
		}, ""
	}
}

// taskEntity picks the most specific record a task can hang off.
func (t *turnState) taskEntity() (string, string) {
	switch t.in.entityType {
	case clinictools.EntityPatient, clinictools.EntityLead, clinictools.EntityAppointment, clinictools.EntityConversation:
		if t.in.entityID != "" {
			return t.in.entityType, t.in.entityID
		}
	}
	l := t.conv.Linked
	switch {
	case t.cls.Intent == classifier.AppointmentCancel && l.AppointmentID != "":
		return clinictools.EntityAppointment, l.AppointmentID
	case l.PatientID != "":
		return clinictools.EntityPatient, l.PatientID
	case l.LeadID != "":
		return clinictools.EntityLead, l.LeadID
	}
	return clinictools.EntityConversation, t.conv.ID
}

// toParams turns a typed params struct into the raw object the dispatcher
// validates, dropping empty optional fields.
func toParams(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
