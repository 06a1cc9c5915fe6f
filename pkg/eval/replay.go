package eval

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/orchestrator"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/store"
)

// Runner is the orchestrator surface a replay drives.
type Runner interface {
	HandleCustomer(ctx context.Context, req orchestrator.CustomerRequest) (orchestrator.CustomerResponse, error)
	HandleStaff(ctx context.Context, req orchestrator.StaffRequest) (orchestrator.StaffResponse, error)
	Conversation(ctx context.Context, id string) (*conversation.Context, []store.TurnRecord, error)
}

// Capture is the inbound side of a conversation.
type Capture struct {
	ConversationID string               `json:"conversationId"`
	Channel        conversation.Channel `json:"channel,omitempty"`
	Turns          []CapturedTurn       `json:"turns"`
}

// CapturedTurn is one inbound message. StaffRole marks a copilot turn.
type CapturedTurn struct {
	Message    string `json:"message"`
	StaffID    string `json:"staffId,omitempty"`
	StaffRole  string `json:"staffRole,omitempty"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
}

// CaptureFrom rebuilds a customer capture from a stored context's user
// messages.
func CaptureFrom(c *conversation.Context) Capture {
	cp := Capture{ConversationID: c.ID, Channel: c.Channel}
	for _, m := range c.Messages {
		if m.Role == conversation.RoleUser {
			cp.Turns = append(cp.Turns, CapturedTurn{Message: m.Content})
		}
	}
	return cp
}

// Replay feeds the capture's turns in order and returns the resulting context.
func Replay(ctx context.Context, r Runner, cp Capture, roles permission.RoleTable) (*conversation.Context, error) {
	if roles == nil {
		roles = permission.DefaultRoles()
	}
	for i, t := range cp.Turns {
		var err error
		if t.StaffRole != "" {
			_, err = r.HandleStaff(ctx, orchestrator.StaffRequest{
				Query:             t.Message,
				ConversationID:    cp.ConversationID,
				CurrentEntityType: t.EntityType,
				CurrentEntityID:   t.EntityID,
				Caller:            permission.NewCaller(t.StaffID, permission.Role(t.StaffRole), roles),
			})
		} else {
			_, err = r.HandleCustomer(ctx, orchestrator.CustomerRequest{
				Message:        t.Message,
				ConversationID: cp.ConversationID,
				Channel:        cp.Channel,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("replay turn %d: %w", i+1, err)
		}
	}
	c, _, err := r.Conversation(ctx, cp.ConversationID)
	return c, err
}

// Diff lists the differences between two contexts in the state a turn
// derives: messages, extracted data, linked entities and handoff.
func Diff(a, b *conversation.Context) []string {
	var out []string
	if len(a.Messages) != len(b.Messages) {
		out = append(out, fmt.Sprintf("messages: %d vs %d", len(a.Messages), len(b.Messages)))
	} else {
		for i := range a.Messages {
			if a.Messages[i].Role != b.Messages[i].Role || a.Messages[i].Content != b.Messages[i].Content {
				out = append(out, fmt.Sprintf("message %d: %q vs %q", i, a.Messages[i].Content, b.Messages[i].Content))
			}
		}
	}
	if !maps.Equal(a.Extracted, b.Extracted) {
		keys := slices.Sorted(maps.Keys(a.Extracted))
		out = append(out, fmt.Sprintf("extracted data differs (fields %v): %v vs %v", keys, a.Extracted, b.Extracted))
	}
	if a.Linked != b.Linked {
		out = append(out, fmt.Sprintf("linked entities: %+v vs %+v", a.Linked, b.Linked))
	}
	if a.Handoff.State != b.Handoff.State || a.Handoff.Reason != b.Handoff.Reason || a.Handoff.Signals != b.Handoff.Signals {
		out = append(out, fmt.Sprintf("handoff: %s/%d %q vs %s/%d %q",
			a.Handoff.State, a.Handoff.Signals, a.Handoff.Reason, b.Handoff.State, b.Handoff.Signals, b.Handoff.Reason))
	}
	return out
}
