package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/clinic"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/dispatch"
	"github.com/wilhg/clinic-assist/pkg/tool"
	"github.com/wilhg/clinic-assist/pkg/tool/clinictools"
)

// turnState is everything one turn learns on its way to Delivered.
type turnState struct {
	orch *Orchestrator
	in   turnInput
	conv *conversation.Context
	now  time.Time
	cls  classifier.Classification

	startHandoff conversation.HandoffState
	// holding is set when a human already owns the conversation.
	holding bool

	steps  []*step
	execs  []ToolExecution
	denied string

	cause    *handoffCause
	advanced conversation.HandoffState

	patients    *clinictools.PatientMatch
	slots       *clinictools.SlotList
	appointment *clinic.Appointment
	visit       *clinictools.VisitSummary
	invoices    *clinictools.InvoiceStatus
	task        *clinic.Task

	response string
	actions  []SuggestedAction
}

// patientID prefers the staff member's current patient over the
// conversation's linked patient.
func (t *turnState) patientID() string {
	if t.in.entityType == clinictools.EntityPatient && t.in.entityID != "" {
		return t.in.entityID
	}
	return t.conv.Linked.PatientID
}

// preferredStart combines the preferred date and time, both required.
func (t *turnState) preferredStart() (time.Time, bool) {
	d, tm := t.conv.Extracted[conversation.FieldPreferredDate], t.conv.Extracted[conversation.FieldPreferredTime]
	if d == "" || tm == "" {
		return time.Time{}, false
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", d+" "+tm, time.UTC)
	return at, err == nil
}

func (t *turnState) toolNames() []string {
	out := make([]string, len(t.execs))
	for i, e := range t.execs {
		out[i] = string(e.Tool)
	}
	return out
}

// execute dispatches the planned steps in order. A step whose dependency did
// not succeed is skipped; independent steps still run. No call is retried.
func (o *Orchestrator) execute(ctx context.Context, t *turnState) {
	for _, s := range t.steps {
		if dep := t.unmetDependency(s); dep != nil {
			s.status = stepSkipped
			s.skip = fmt.Sprintf("Skipped %s because %s did not succeed", s.tool, dep.tool)
			continue
		}
		p, skip := s.build(t)
		if p == nil {
			s.status, s.skip = stepDropped, skip
			if skip != "" {
				s.status = stepSkipped
			}
			continue
		}
		params, err := toParams(p)
		if err != nil {
			o.log.ErrorContext(ctx, "building tool params failed", "tool", s.tool, "error", err)
			s.status = stepFailed
			s.result = tool.Result{Error: dispatch.MsgExecutionFailed}
			continue
		}
		res := o.dispatcher.Dispatch(ctx, tool.Call{Tool: s.tool, Params: params}, t.in.caller)
		s.result = res
		t.execs = append(t.execs, ToolExecution{
			Tool:    s.tool,
			Params:  params,
			Success: res.Success,
			Result:  res.Data,
			Error:   res.Error,
		})
		if !res.Success {
			s.status = stepFailed
			if res.PermissionDenied && t.denied == "" {
				t.denied = res.Error
			}
			continue
		}
		s.status = stepSucceeded
		t.fold(ctx, res)
	}
}

func (t *turnState) unmetDependency(s *step) *step {
	for _, i := range s.deps {
		if i < 0 || i >= len(t.steps) {
			continue
		}
		if dep := t.steps[i]; dep.status != stepSucceeded {
			return dep
		}
	}
	return nil
}

// fold merges a successful result into the conversation.
func (t *turnState) fold(ctx context.Context, res tool.Result) {
	log := t.orch.log
	switch d := res.Data.(type) {
	case clinictools.PatientMatch:
		t.patients = &d
		if p := d.Patient; p != nil {
			if !t.conv.Linked.Link(conversation.EntityPatient, p.ID) {
				log.WarnContext(ctx, "patient lookup disagrees with linked patient",
					"conversation_id", t.conv.ID, "linked", t.conv.Linked.PatientID, "found", p.ID)
			}
			t.conv.Extracted.Merge(map[conversation.Field]string{
				conversation.FieldName:  p.Name,
				conversation.FieldPhone: p.Phone,
				conversation.FieldEmail: p.Email,
			})
		}
	case clinictools.SlotList:
		t.slots = &d
	case clinic.Appointment:
		t.appointment = &d
		if !t.conv.Linked.Link(conversation.EntityAppointment, d.ID) {
			log.WarnContext(ctx, "conversation already links another appointment",
				"conversation_id", t.conv.ID, "linked", t.conv.Linked.AppointmentID, "booked", d.ID)
		}
		at := d.ScheduledAt.UTC()
		t.conv.Extracted.Merge(map[conversation.Field]string{
			conversation.FieldPreferredDate:   at.Format(time.DateOnly),
			conversation.FieldPreferredTime:   at.Format("15:04"),
			conversation.FieldPreferredDoctor: d.DoctorID,
		})
	case clinictools.VisitSummary:
		t.visit = &d
	case clinictools.InvoiceStatus:
		t.invoices = &d
	case clinic.Task:
		t.task = &d
	}
}

type causeKind int

// Handoff causes in priority order.
const (
	causeTool causeKind = iota
	causePermission
	causeHumanRequest
	causeLowConfidence
)

func (k causeKind) String() string {
	switch k {
	case causeTool:
		return "tool"
	case causePermission:
		return "permission"
	case causeHumanRequest:
		return "human_request"
	default:
		return "low_confidence"
	}
}

type handoffCause struct {
	kind   causeKind
	reason string
}

// handoffCause returns the highest priority cause raised by this turn.
func (t *turnState) handoffCause() *handoffCause {
	for _, s := range t.steps {
		if s.status == stepSucceeded && s.result.RequiresHumanHandoff {
			reason := s.result.HandoffReason
			if reason == "" {
				reason = string(s.tool) + " requested a human"
			}
			return &handoffCause{kind: causeTool, reason: reason}
		}
	}
	if t.in.assistant == AssistantStaff && t.denied != "" {
		return &handoffCause{kind: causePermission, reason: "permission denied: " + t.denied}
	}
	threshold := t.orch.policy.ConfidenceThreshold
	if t.cls.Intent == classifier.HumanRequest && t.cls.Confidence >= threshold {
		return &handoffCause{kind: causeHumanRequest, reason: "customer requested a human"}
	}
	if t.cls.Confidence < threshold {
		if t.cls.Fallback {
			return &handoffCause{kind: causeLowConfidence, reason: "intent classifier unavailable"}
		}
		return &handoffCause{kind: causeLowConfidence,
			reason: fmt.Sprintf("low intent confidence (%.2f < %.2f)", t.cls.Confidence, threshold)}
	}
	return nil
}

func (o *Orchestrator) applyHandoff(t *turnState) {
	if t.holding {
		return
	}
	t.cause = t.handoffCause()
	if t.cause == nil {
		return
	}
	t.advanced = t.conv.Handoff.Signal(t.cause.reason, o.policy.EscalateAfter, t.now)
}

// requiresHandoff reports this turn's cause, or else any handoff the
// conversation still has outstanding. Nothing moves the state back to none,
// so a requested handoff stays reported on later clean turns.
func (t *turnState) requiresHandoff() (bool, string) {
	if t.cause != nil {
		return true, t.cause.reason
	}
	if s := t.conv.Handoff.State; s != "" && s != conversation.HandoffNone {
		return true, t.conv.Handoff.Reason
	}
	return false, ""
}
