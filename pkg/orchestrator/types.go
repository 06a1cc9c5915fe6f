package orchestrator

import (
	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/tool"
)

// Assistant names the entry point a turn came through.
type Assistant string

const (
	AssistantCustomer Assistant = "customer"
	AssistantStaff    Assistant = "staff"
)

// HistoryMessage is a caller-supplied prior message. It seeds the history of
// a conversation the store has not seen yet.
type HistoryMessage struct {
	Role    conversation.Role `json:"role" validate:"required,oneof=user assistant system"`
	Content string            `json:"content" validate:"required"`
}

type CustomerRequest struct {
	Message        string               `json:"message" validate:"required,max=4000"`
	ConversationID string               `json:"conversationId,omitempty" validate:"omitempty,max=128"`
	LeadID         string               `json:"leadId,omitempty"`
	PatientID      string               `json:"patientId,omitempty"`
	MessageHistory []HistoryMessage     `json:"messageHistory,omitempty" validate:"omitempty,max=100,dive"`
	CustomerPhone  string               `json:"customerPhone,omitempty" validate:"omitempty,max=32"`
	CustomerName   string               `json:"customerName,omitempty" validate:"omitempty,max=200"`
	Channel        conversation.Channel `json:"channel,omitempty"`
}

// ActionType is the kind of a suggested follow-up action.
type ActionType string

const (
	ActionCreateAppointment ActionType = "create_appointment"
	ActionCreateTask        ActionType = "create_task"
	ActionEscalate          ActionType = "escalate"
	ActionSendInfo          ActionType = "send_info"
	ActionFollowUp          ActionType = "follow_up"
)

type SuggestedAction struct {
	Type        ActionType     `json:"type"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

type CustomerResponse struct {
	ConversationID         string                     `json:"conversationId"`
	Response               string                     `json:"response"`
	Intent                 classifier.Intent          `json:"intent"`
	Confidence             float64                    `json:"confidence"`
	// RequiresHumanHandoff is set while the conversation has a requested or
	// active handoff, not only on the turn that raised it.
	RequiresHumanHandoff   bool                       `json:"requiresHumanHandoff"`
	HandoffReason          string                     `json:"handoffReason,omitempty"`
	SuggestedActions       []SuggestedAction          `json:"suggestedActions,omitempty"`
	LeadID                 string                     `json:"leadId,omitempty"`
	AppointmentID          string                     `json:"appointmentId,omitempty"`
	ExtractedData          conversation.ExtractedData `json:"extractedData,omitempty"`
	PermissionDenied       bool                       `json:"permissionDenied,omitempty"`
	PermissionDeniedReason string                     `json:"permissionDeniedReason,omitempty"`
}

type StaffRequest struct {
	Query             string           `json:"query" validate:"required,max=4000"`
	ConversationID    string           `json:"conversationId,omitempty" validate:"omitempty,max=128"`
	MessageHistory    []HistoryMessage `json:"messageHistory,omitempty" validate:"omitempty,max=100,dive"`
	CurrentContext    string           `json:"currentContext,omitempty" validate:"omitempty,max=2000"`
	CurrentEntityType string           `json:"currentEntityType,omitempty" validate:"omitempty,oneof=Patient Lead Appointment Conversation"`
	CurrentEntityID   string           `json:"currentEntityId,omitempty" validate:"required_with=CurrentEntityType"`
	// Caller is resolved by the transport, never decoded from the body.
	Caller permission.Caller `json:"-"`
}

// ToolExecution is one attempted call, reported verbatim to staff.
type ToolExecution struct {
	Tool    tool.Name      `json:"tool"`
	Params  map[string]any `json:"params"`
	Success bool           `json:"success"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type StaffResponse struct {
	ConversationID         string            `json:"conversationId"`
	Response               string            `json:"response"`
	Intent                 classifier.Intent `json:"intent"`
	Confidence             float64           `json:"confidence"`
	ToolsExecuted          []ToolExecution   `json:"toolsExecuted"`
	PermissionDenied       bool              `json:"permissionDenied"`
	PermissionDeniedReason string            `json:"permissionDeniedReason,omitempty"`
	SuggestedFollowUps     []string          `json:"suggestedFollowUps,omitempty"`
	Data                   map[string]any    `json:"data,omitempty"`
	RequiresHumanHandoff   bool              `json:"requiresHumanHandoff,omitempty"`
	HandoffReason          string            `json:"handoffReason,omitempty"`
}
