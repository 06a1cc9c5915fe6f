// Package conversation holds the per-conversation state the orchestrator
// carries across turns: message history, extracted fields, linked entities and
// the handoff state machine.
package conversation

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Channel is the external thread type. It is fixed when a context is created.
type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelWebChat  Channel = "WEB_CHAT"
	ChannelPhone    Channel = "PHONE"
)

// ParseChannel accepts the canonical names case-insensitively, plus
// "webchat" and "web-chat". An empty string yields WEB_CHAT.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s))) {
	case "", "WEB_CHAT", "WEBCHAT":
		return ChannelWebChat, nil
	case "WHATSAPP":
		return ChannelWhatsApp, nil
	case "SMS":
		return ChannelSMS, nil
	case "EMAIL":
		return ChannelEmail, nil
	case "PHONE":
		return ChannelPhone, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Role is the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Field is one of the fixed semantic fields extracted from conversation text.
type Field string

const (
	FieldName             Field = "name"
	FieldPhone            Field = "phone"
	FieldEmail            Field = "email"
	FieldPreferredService Field = "preferredService"
	FieldPreferredDate    Field = "preferredDate"
	FieldPreferredTime    Field = "preferredTime"
	FieldPreferredDoctor  Field = "preferredDoctor"
	FieldNotes            Field = "notes"
)

// Fields lists every extractable field.
func Fields() []Field {
	return []Field{FieldName, FieldPhone, FieldEmail, FieldPreferredService,
		FieldPreferredDate, FieldPreferredTime, FieldPreferredDoctor, FieldNotes}
}

func (f Field) Known() bool {
	for _, k := range Fields() {
		if k == f {
			return true
		}
	}
	return false
}

// ExtractedData maps fields to their latest value.
type ExtractedData map[Field]string

// Merge copies every non-empty known field from src, overwriting existing
// values. It returns the fields that changed.
func (d ExtractedData) Merge(src map[Field]string) []Field {
	var changed []Field
	for _, f := range Fields() {
		v := strings.TrimSpace(src[f])
		if v == "" {
			continue
		}
		if d[f] != v {
			changed = append(changed, f)
		}
		d[f] = v
	}
	return changed
}

// LinkedEntities references records in the clinic platform. Each reference is
// set once and never cleared.
type LinkedEntities struct {
	LeadID        string `json:"leadId,omitempty"`
	PatientID     string `json:"patientId,omitempty"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

// Entity names a linked entity slot.
type Entity string

const (
	EntityLead        Entity = "lead"
	EntityPatient     Entity = "patient"
	EntityAppointment Entity = "appointment"
)

// Link sets the reference if it is empty. It reports false when a different
// id is already linked; the existing id is kept.
func (l *LinkedEntities) Link(e Entity, id string) bool {
	if id == "" {
		return true
	}
	var slot *string
	switch e {
	case EntityLead:
		slot = &l.LeadID
	case EntityPatient:
		slot = &l.PatientID
	case EntityAppointment:
		slot = &l.AppointmentID
	default:
		return false
	}
	if *slot == "" {
		*slot = id
		return true
	}
	return *slot == id
}

// HandoffState moves only forward: none, requested, active.
type HandoffState string

const (
	HandoffNone      HandoffState = "none"
	HandoffRequested HandoffState = "requested"
	HandoffActive    HandoffState = "active"
)

func (s HandoffState) rank() int {
	switch s {
	case HandoffRequested:
		return 1
	case HandoffActive:
		return 2
	default:
		return 0
	}
}

// Handoff is the handoff bookkeeping of a conversation.
type Handoff struct {
	State       HandoffState `json:"state"`
	Reason      string       `json:"reason,omitempty"`
	Signals     int          `json:"signals"`
	RequestedAt *time.Time   `json:"requestedAt,omitempty"`
	ActivatedAt *time.Time   `json:"activatedAt,omitempty"`
}

// Advance moves the state forward to next. Backward or same-state moves are
// ignored and reported as false.
func (h *Handoff) Advance(next HandoffState, now time.Time) bool {
	if next.rank() <= h.State.rank() {
		return false
	}
	t := now.UTC()
	if h.RequestedAt == nil {
		h.RequestedAt = &t
	}
	if next == HandoffActive {
		h.ActivatedAt = &t
	}
	h.State = next
	return true
}

// Signal records one qualifying handoff cause. The first signal requests a
// handoff; once escalateAfter signals have accumulated the handoff becomes
// active. It returns the new state when it changed, or "" otherwise.
func (h *Handoff) Signal(reason string, escalateAfter int, now time.Time) HandoffState {
	if h.State == "" {
		h.State = HandoffNone
	}
	h.Signals++
	if reason != "" {
		h.Reason = reason
	}
	if escalateAfter < 2 {
		escalateAfter = 2
	}
	switch h.State {
	case HandoffNone:
		h.Advance(HandoffRequested, now)
		return HandoffRequested
	case HandoffRequested:
		if h.Signals >= escalateAfter {
			h.Advance(HandoffActive, now)
			return HandoffActive
		}
	}
	return ""
}

// Context is the persisted state of one conversation.
type Context struct {
	ID        string         `json:"conversationId"`
	Channel   Channel        `json:"channel"`
	Messages  []Message      `json:"messageHistory"`
	Extracted ExtractedData  `json:"extractedData"`
	Linked    LinkedEntities `json:"linkedEntities"`
	Handoff   Handoff        `json:"handoff"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	// Version is bumped by the store on every commit.
	Version int64 `json:"version"`
}

// New returns an empty context for a conversation that has no stored state.
func New(id string, ch Channel, now time.Time) *Context {
	now = now.UTC()
	return &Context{
		ID:        id,
		Channel:   ch,
		Extracted: ExtractedData{},
		Handoff:   Handoff{State: HandoffNone},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the end of the history.
func (c *Context) Append(role Role, content string, at time.Time) {
	c.Messages = append(c.Messages, Message{Role: role, Content: content, Timestamp: at.UTC()})
	c.UpdatedAt = at.UTC()
}

// Clone returns a deep copy so callers cannot alias stored state.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.Extracted = maps.Clone(c.Extracted)
	if out.Extracted == nil {
		out.Extracted = ExtractedData{}
	}
	if c.Handoff.RequestedAt != nil {
		t := *c.Handoff.RequestedAt
		out.Handoff.RequestedAt = &t
	}
	if c.Handoff.ActivatedAt != nil {
		t := *c.Handoff.ActivatedAt
		out.Handoff.ActivatedAt = &t
	}
	return &out
}
