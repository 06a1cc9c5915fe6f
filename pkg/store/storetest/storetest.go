// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/store"
)

// Run exercises a fresh store returned by open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("LoadMissing", func(t *testing.T) {
		st := open(t)
		if _, err := st.Load(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err=%v want ErrNotFound", err)
		}
	})

	t.Run("CommitRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
		c := conversation.New("conv-rt", conversation.ChannelSMS, now)
		c.Append(conversation.RoleUser, "book me in", now)
		c.Extracted.Merge(map[conversation.Field]string{conversation.FieldPhone: "+15550101"})
		c.Linked.Link(conversation.EntityPatient, "pat-1001")
		c.Handoff.Signal("low confidence", 2, now)

		if err := st.Commit(ctx, c, nil); err != nil {
			t.Fatal(err)
		}
		if c.Version != 1 {
			t.Fatalf("version=%d want 1", c.Version)
		}
		got, err := st.Load(ctx, "conv-rt")
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 1 || got.Channel != conversation.ChannelSMS {
			t.Fatalf("got %+v", got)
		}
		if len(got.Messages) != 1 || got.Messages[0].Content != "book me in" {
			t.Fatalf("messages=%+v", got.Messages)
		}
		if got.Extracted[conversation.FieldPhone] != "+15550101" || got.Linked.PatientID != "pat-1001" {
			t.Fatalf("extracted=%v linked=%+v", got.Extracted, got.Linked)
		}
		if got.Handoff.State != conversation.HandoffRequested || got.Handoff.Signals != 1 || got.Handoff.RequestedAt == nil {
			t.Fatalf("handoff=%+v", got.Handoff)
		}
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		now := time.Now().UTC()
		c := conversation.New("conv-cf", conversation.ChannelWebChat, now)
		if err := st.Commit(ctx, c, nil); err != nil {
			t.Fatal(err)
		}
		a, _ := st.Load(ctx, "conv-cf")
		b, _ := st.Load(ctx, "conv-cf")
		a.Append(conversation.RoleUser, "first", now)
		if err := st.Commit(ctx, a, nil); err != nil {
			t.Fatal(err)
		}
		b.Append(conversation.RoleUser, "second", now)
		if err := st.Commit(ctx, b, &store.TurnRecord{TurnID: "t-lost", Assistant: "customer"}); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("err=%v want ErrConflict", err)
		}
		got, _ := st.Load(ctx, "conv-cf")
		if got.Version != 2 || len(got.Messages) != 1 || got.Messages[0].Content != "first" {
			t.Fatalf("got version=%d messages=%+v", got.Version, got.Messages)
		}
		turns, err := st.Turns(ctx, "conv-cf")
		if err != nil {
			t.Fatal(err)
		}
		if len(turns) != 0 {
			t.Fatalf("rejected commit left a turn record: %+v", turns)
		}
		// A second insert of a brand new context with the same id also conflicts.
		dup := conversation.New("conv-cf", conversation.ChannelWebChat, now)
		if err := st.Commit(ctx, dup, nil); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("err=%v want ErrConflict", err)
		}
	})

	t.Run("TurnsInOrder", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
		c := conversation.New("conv-tr", conversation.ChannelWhatsApp, now)
		for i, id := range []string{"t1", "t2"} {
			rec := &store.TurnRecord{
				TurnID:         id,
				ConversationID: c.ID,
				Assistant:      "customer",
				Intent:         "APPOINTMENT_REQUEST",
				Confidence:     0.85,
				ToolsExecuted:  []string{"get_next_available_slots"},
				HandoffState:   conversation.HandoffNone,
				CreatedAt:      now.Add(time.Duration(i) * time.Minute),
			}
			if err := st.Commit(ctx, c, rec); err != nil {
				t.Fatal(err)
			}
		}
		turns, err := st.Turns(ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(turns) != 2 || turns[0].TurnID != "t1" || turns[1].TurnID != "t2" {
			t.Fatalf("turns=%+v", turns)
		}
		if turns[1].Intent != "APPOINTMENT_REQUEST" || len(turns[1].ToolsExecuted) != 1 || turns[1].ConversationID != c.ID {
			t.Fatalf("turn=%+v", turns[1])
		}
		if !turns[1].CreatedAt.Equal(now.Add(time.Minute)) {
			t.Fatalf("created_at=%v", turns[1].CreatedAt)
		}
	})

	t.Run("LoadedCopyIsDetached", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		c := conversation.New("conv-dt", conversation.ChannelEmail, time.Now())
		if err := st.Commit(ctx, c, nil); err != nil {
			t.Fatal(err)
		}
		c.Append(conversation.RoleUser, "not committed", time.Now())
		got, _ := st.Load(ctx, "conv-dt")
		if len(got.Messages) != 0 {
			t.Fatalf("uncommitted change leaked: %+v", got.Messages)
		}
	})
}
