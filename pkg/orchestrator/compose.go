package orchestrator

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/tool"
)

// Questions the customer agent asks when a step lacked input.
var customerAsk = map[string]string{
	skipNeedPhone:       "Could you share the phone number you registered with us?",
	skipNeedBillingKey:  "Could you share your phone number or invoice number so I can check your account?",
	skipNeedAppointment: "Which appointment would you like to move?",
	skipSlotTaken:       "That exact time is not available, but the times above are open.",
}

var toolLabel = map[tool.Name]string{
	tool.FindPatientByPhone:        "the patient lookup",
	tool.GetNextAvailableSlots:     "the availability check",
	tool.CreateOrUpdateAppointment: "the booking",
	tool.SummarizeLastVisit:        "the visit summary",
	tool.GetInvoiceStatus:          "the billing lookup",
	tool.CreateFollowupTask:        "the follow-up request",
}

// compose builds the response text and the suggested actions. It always
// produces some text.
func (t *turnState) compose() {
	staff := t.in.assistant == AssistantStaff
	var parts []string
	say := func(s string) {
		if s != "" {
			parts = append(parts, s)
		}
	}

	if t.holding {
		if staff {
			say("A human operator owns this conversation, so no tools were run.")
		} else {
			say("Thanks, a member of our team has your conversation and will reply shortly.")
		}
		t.suggest(ActionEscalate, "Conversation is waiting for a human operator", map[string]any{"reason": t.conv.Handoff.Reason})
		t.response = strings.Join(parts, " ")
		return
	}

	for _, s := range t.steps {
		switch s.status {
		case stepSucceeded:
			say(t.describe(s))
		case stepFailed:
			switch {
			case s.result.PermissionDenied && staff:
				say(fmt.Sprintf("Not run: %s.", s.result.Error))
				t.suggest(ActionEscalate, "Ask a colleague with access to run "+string(s.tool), map[string]any{"tool": string(s.tool)})
			case s.result.PermissionDenied:
				say("I'm not able to help with that here.")
				t.suggest(ActionEscalate, s.result.Error, map[string]any{"tool": string(s.tool)})
			case staff:
				say(fmt.Sprintf("%s failed: %s.", s.tool, s.result.Error))
				t.suggest(ActionFollowUp, "Retry "+string(s.tool), map[string]any{"tool": string(s.tool)})
			default:
				say(fmt.Sprintf("Sorry, I couldn't complete %s right now.", toolLabel[s.tool]))
				t.suggest(ActionFollowUp, "Retry "+string(s.tool), map[string]any{"tool": string(s.tool)})
			}
		case stepSkipped:
			t.suggest(ActionFollowUp, s.skip, map[string]any{"tool": string(s.tool)})
			if staff {
				say(s.skip + ".")
			} else {
				say(customerAsk[s.skip])
			}
		}
	}

	if len(t.steps) == 0 && t.cause == nil {
		say(t.infoReply(staff))
	}

	if t.cause != nil {
		switch {
		case staff:
			say("Flagged for human review: " + t.cause.reason + ".")
		case t.advanced == conversation.HandoffActive || t.conv.Handoff.State == conversation.HandoffActive:
			say("A member of our team is taking over this conversation and will reply shortly.")
		default:
			say("I've asked a member of our team to follow up with you on this.")
		}
		t.suggest(ActionEscalate, "Hand off to a human: "+t.cause.reason, map[string]any{"handoffState": string(t.conv.Handoff.State)})
	}

	if len(parts) == 0 {
		say("Thanks for your message. A member of our team will get back to you.")
	}
	t.response = strings.Join(parts, " ")
}

// infoReply answers intents that run no tools.
func (t *turnState) infoReply(staff bool) string {
	service := t.conv.Extracted[conversation.FieldPreferredService]
	switch t.cls.Intent {
	case classifier.Greeting:
		t.suggest(ActionSendInfo, "Send the list of services", nil)
		if staff {
			return "Hi. I can look up patients, availability, visits and invoices, or create follow-up tasks."
		}
		return "Hello! I can help you book, move or cancel appointments and answer questions about our services and billing. How can I help?"
	case classifier.ServiceInquiry:
		t.suggest(ActionSendInfo, "Send service information", paramsIf("service", service))
		if service != "" {
			return fmt.Sprintf("Yes, we can help with %s. I'll have our team send you the details.", service)
		}
		return "I'll have our team send you details about our services."
	case classifier.PricingInquiry:
		t.suggest(ActionSendInfo, "Send the price list", paramsIf("service", service))
		if service != "" {
			return fmt.Sprintf("I'll have our team send you current prices for %s.", service)
		}
		return "I'll have our team send you our current prices."
	}
	t.suggest(ActionSendInfo, "Send general clinic information", nil)
	return "Thanks for your message."
}

func (t *turnState) describe(s *step) string {
	staff := t.in.assistant == AssistantStaff
	switch s.tool {
	case tool.FindPatientByPhone:
		if t.patients == nil {
			return ""
		}
		switch n := len(t.patients.Matches); {
		case n == 1 && staff:
			p := t.patients.Matches[0]
			return fmt.Sprintf("Found %s (%s).", p.Name, p.ID)
		case n == 1:
			return "Thanks, I found your record."
		case n == 0 && staff:
			return "No patient is registered under that phone number."
		case n == 0:
			return "I couldn't find a record under that phone number."
		case staff:
			names := make([]string, n)
			for i, p := range t.patients.Matches {
				names[i] = fmt.Sprintf("%s (%s)", p.Name, p.ID)
			}
			return fmt.Sprintf("%d patients share that phone number: %s.", n, strings.Join(names, ", "))
		default:
			return "That phone number is shared by several patients, so a team member will confirm your details."
		}

	case tool.GetNextAvailableSlots:
		if t.slots == nil || t.appointment != nil {
			return ""
		}
		if len(t.slots.Slots) == 0 {
			t.suggest(ActionFollowUp, "Offer another day", map[string]any{"date": t.slots.Date})
			return fmt.Sprintf("There are no open times on %s.", t.slots.Date)
		}
		times := make([]string, len(t.slots.Slots))
		for i, sl := range t.slots.Slots {
			times[i] = fmt.Sprintf("%s with %s", sl.Start.UTC().Format("15:04"), sl.DoctorID)
		}
		first := t.slots.Slots[0]
		t.suggest(ActionCreateAppointment, "Schedule one of the proposed slots", map[string]any{
			"scheduledAt": first.Start.UTC().Format(time.RFC3339),
			"doctorId":    first.DoctorID,
			"branchId":    first.BranchID,
			"patientId":   t.patientID(),
		})
		day := t.slots.Slots[0].Start.UTC().Format(time.DateOnly)
		return fmt.Sprintf("Available times on %s: %s. Which one suits you?", day, strings.Join(times, ", "))

	case tool.CreateOrUpdateAppointment:
		a := t.appointment
		if a == nil {
			return ""
		}
		when := a.ScheduledAt.UTC().Format("2006-01-02 15:04") + " UTC"
		if t.cls.Intent == classifier.AppointmentReschedule {
			return fmt.Sprintf("Appointment %s has been moved to %s with %s.", a.ID, when, a.DoctorID)
		}
		return fmt.Sprintf("Booked for %s with %s (reference %s).", when, a.DoctorID, a.ID)

	case tool.SummarizeLastVisit:
		if t.visit == nil {
			return ""
		}
		return t.visit.Summary

	case tool.GetInvoiceStatus:
		inv := t.invoices
		if inv == nil {
			return ""
		}
		if len(inv.Invoices) == 0 {
			return "No invoices were found."
		}
		currency := inv.Invoices[0].Currency
		var open []string
		for _, i := range inv.Invoices {
			if i.AmountDue > 0 {
				open = append(open, fmt.Sprintf("%s (%s, %.2f due by %s)", i.Number, i.Status, i.AmountDue, i.DueDate.Format(time.DateOnly)))
			}
		}
		msg := fmt.Sprintf("%d invoice(s) on file; outstanding balance %.2f %s.", len(inv.Invoices), inv.OutstandingDue, currency)
		if len(open) > 0 {
			msg += " Open: " + strings.Join(open, ", ") + "."
			t.suggest(ActionFollowUp, "Send a payment link", map[string]any{"amount": inv.OutstandingDue, "currency": currency})
		}
		return msg

	case tool.CreateFollowupTask:
		task := t.task
		if task == nil {
			return ""
		}
		t.suggest(ActionFollowUp, fmt.Sprintf("Track task %s", task.ID), map[string]any{"taskId": task.ID})
		if staff {
			return fmt.Sprintf("Created task %s %q for %s %s, due %s, assigned to %s.",
				task.ID, task.Title, task.EntityType, task.EntityID, task.DueDate.Format(time.DateOnly), task.AssignedTo)
		}
		if t.cls.Intent == classifier.Complaint {
			return "I'm sorry about your experience. I've logged it for our team, who will follow up with you."
		}
		return "I've passed your request to our front desk, who will confirm shortly."
	}
	return ""
}

func (t *turnState) suggest(typ ActionType, desc string, params map[string]any) {
	t.actions = append(t.actions, SuggestedAction{Type: typ, Description: desc, Params: params})
}

func paramsIf(k, v string) map[string]any {
	if v == "" {
		return nil
	}
	return map[string]any{k: v}
}

func (t *turnState) customerResponse() CustomerResponse {
	handoff, reason := t.requiresHandoff()
	return CustomerResponse{
		ConversationID:         t.conv.ID,
		Response:               t.response,
		Intent:                 t.cls.Intent,
		Confidence:             t.cls.Confidence,
		RequiresHumanHandoff:   handoff,
		HandoffReason:          reason,
		SuggestedActions:       t.actions,
		LeadID:                 t.conv.Linked.LeadID,
		AppointmentID:          t.conv.Linked.AppointmentID,
		ExtractedData:          maps.Clone(t.conv.Extracted),
		PermissionDenied:       t.denied != "",
		PermissionDeniedReason: t.denied,
	}
}

func (t *turnState) staffResponse() StaffResponse {
	handoff, reason := t.requiresHandoff()
	out := StaffResponse{
		ConversationID:         t.conv.ID,
		Response:               t.response,
		Intent:                 t.cls.Intent,
		Confidence:             t.cls.Confidence,
		ToolsExecuted:          t.execs,
		PermissionDenied:       t.denied != "",
		PermissionDeniedReason: t.denied,
		RequiresHumanHandoff:   handoff,
		HandoffReason:          reason,
	}
	if out.ToolsExecuted == nil {
		out.ToolsExecuted = []ToolExecution{}
	}
	for _, a := range t.actions {
		out.SuggestedFollowUps = append(out.SuggestedFollowUps, a.Description)
	}
	for _, e := range t.execs {
		if !e.Success {
			continue
		}
		if out.Data == nil {
			out.Data = map[string]any{}
		}
		out.Data[string(e.Tool)] = e.Result
	}
	return out
}
