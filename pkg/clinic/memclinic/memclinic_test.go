package memclinic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wilhg/clinic-assist/pkg/clinic"
)

func TestSlotsSkipBookedTimes(t *testing.T) {
	ctx := context.Background()
	c := New("b1", "dr-a")
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	slots, err := c.NextAvailableSlots(ctx, clinic.SlotQuery{Date: day, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 || slots[0].Start.Hour() != 9 {
		t.Fatalf("slots=%+v", slots)
	}
	if _, err := c.Upsert(ctx, clinic.AppointmentInput{PatientID: "p", DoctorID: "dr-a", BranchID: "b1", ScheduledAt: slots[0].Start}); err != nil {
		t.Fatal(err)
	}
	again, _ := c.NextAvailableSlots(ctx, clinic.SlotQuery{Date: day, Limit: 1})
	if !again[0].Start.Equal(slots[1].Start) {
		t.Fatalf("booked slot offered again: %+v", again)
	}
	if _, err := c.Upsert(ctx, clinic.AppointmentInput{PatientID: "q", DoctorID: "dr-a", ScheduledAt: slots[0].Start}); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestDemoLookups(t *testing.T) {
	ctx := context.Background()
	c := Demo()
	ps, _ := c.FindByPhone(ctx, "+1 555 0199")
	if len(ps) != 2 {
		t.Fatalf("household phone matches=%d want 2", len(ps))
	}
	if _, err := c.LastVisit(ctx, "pat-1002"); !errors.Is(err, clinic.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	invs, _ := c.Find(ctx, clinic.InvoiceQuery{Phone: "+15550101"})
	if len(invs) != 1 || invs[0].Number != "INV-2025-001" {
		t.Fatalf("invoices=%+v", invs)
	}
	if invs, _ := c.Find(ctx, clinic.InvoiceQuery{}); len(invs) != 0 {
		t.Fatalf("empty query must not list every invoice: %+v", invs)
	}
}
