package clinictools

import (
	"context"
	"testing"

	"github.com/wilhg/clinic-assist/pkg/clinic/memclinic"
	"github.com/wilhg/clinic-assist/pkg/tool"
)

func newRegistry(t *testing.T) (*tool.Registry, *memclinic.Clinic) {
	t.Helper()
	c := memclinic.Demo()
	r, err := New(c.Services(), Options{DefaultBranchID: "branch-main"})
	if err != nil {
		t.Fatal(err)
	}
	return r, c
}

func call(t *testing.T, r *tool.Registry, name tool.Name, params map[string]any) (tool.Outcome, error) {
	t.Helper()
	d, ok := r.Lookup(name)
	if !ok {
		t.Fatalf("%s not registered", name)
	}
	if err := d.Validate(params); err != nil {
		t.Fatalf("%s params invalid: %v", name, err)
	}
	return d.Handler(context.Background(), params)
}

func TestCatalogIsComplete(t *testing.T) {
	r, _ := newRegistry(t)
	defs := r.Definitions()
	if len(defs) != len(tool.Names()) {
		t.Fatalf("definitions=%d want %d", len(defs), len(tool.Names()))
	}
	for i, d := range defs {
		if d.Name != tool.Names()[i] {
			t.Fatalf("order[%d]=%s", i, d.Name)
		}
		if len(d.Capabilities) != 1 {
			t.Fatalf("%s capabilities=%v", d.Name, d.Capabilities)
		}
	}
}

func TestFindPatientSignalsHandoffOnAmbiguity(t *testing.T) {
	r, _ := newRegistry(t)
	out, err := call(t, r, tool.FindPatientByPhone, map[string]any{"phone": "+15550101"})
	if err != nil || out.RequiresHumanHandoff {
		t.Fatalf("single match: out=%+v err=%v", out, err)
	}
	if m := out.Data.(PatientMatch); m.Patient == nil || m.Patient.ID != "pat-1001" {
		t.Fatalf("match=%+v", m)
	}
	for _, phone := range []string{"+15550199", "+19999999"} {
		out, err := call(t, r, tool.FindPatientByPhone, map[string]any{"phone": phone})
		if err != nil {
			t.Fatal(err)
		}
		if !out.RequiresHumanHandoff || out.HandoffReason == "" {
			t.Fatalf("%s: expected handoff, got %+v", phone, out)
		}
	}
}

func TestSlotsThenBooking(t *testing.T) {
	r, c := newRegistry(t)
	out, err := call(t, r, tool.GetNextAvailableSlots, map[string]any{"date": "2025-04-07", "doctorId": "dr-lee"})
	if err != nil {
		t.Fatal(err)
	}
	slots := out.Data.(SlotList).Slots
	if len(slots) == 0 {
		t.Fatal("no slots")
	}
	_, err = call(t, r, tool.CreateOrUpdateAppointment, map[string]any{
		"patientId":   "pat-1001",
		"doctorId":    slots[0].DoctorID,
		"serviceId":   "svc-consult",
		"branchId":    "branch-main",
		"scheduledAt": slots[0].Start.Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(c.Appointments()); got != 1 {
		t.Fatalf("appointments=%d", got)
	}
}

func TestVisitAndInvoice(t *testing.T) {
	r, _ := newRegistry(t)
	out, err := call(t, r, tool.SummarizeLastVisit, map[string]any{"patientId": "pat-1002"})
	if err != nil || out.Data.(VisitSummary).Found {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	out, err = call(t, r, tool.GetInvoiceStatus, map[string]any{"patientId": "pat-1001"})
	if err != nil {
		t.Fatal(err)
	}
	if st := out.Data.(InvoiceStatus); st.OutstandingDue != 180 {
		t.Fatalf("status=%+v", st)
	}
	if _, err := call(t, r, tool.GetInvoiceStatus, map[string]any{}); err == nil {
		t.Fatal("expected error without lookup keys")
	}
}

func TestFollowupTaskDefaultsPriority(t *testing.T) {
	r, c := newRegistry(t)
	_, err := call(t, r, tool.CreateFollowupTask, map[string]any{
		"entityType": "Patient",
		"entityId":   "pat-1001",
		"title":      "Call back about results",
		"assignedTo": "front-desk",
		"dueDate":    "2025-04-08",
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks := c.Tasks()
	if len(tasks) != 1 || tasks[0].Priority != "medium" {
		t.Fatalf("tasks=%+v", tasks)
	}
	d, _ := r.Lookup(tool.CreateFollowupTask)
	if err := d.Validate(map[string]any{"entityType": "Invoice", "entityId": "x", "title": "t", "assignedTo": "a", "dueDate": "2025-04-08"}); err == nil {
		t.Fatal("expected entityType enum violation")
	}
}
