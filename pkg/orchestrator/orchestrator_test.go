package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/clinic"
	"github.com/wilhg/clinic-assist/pkg/clinic/memclinic"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/dispatch"
	"github.com/wilhg/clinic-assist/pkg/errmodel"
	"github.com/wilhg/clinic-assist/pkg/events"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/store"
	"github.com/wilhg/clinic-assist/pkg/store/memstore"
	"github.com/wilhg/clinic-assist/pkg/tool"
	"github.com/wilhg/clinic-assist/pkg/tool/clinictools"
)

var monday = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

type harness struct {
	o      *Orchestrator
	st     *memstore.Store
	clinic *memclinic.Clinic
	pub    *events.Recorder
}

func newHarness(t *testing.T, cls classifier.Classifier, opts ...Option) *harness {
	t.Helper()
	c := memclinic.Demo()
	return newHarnessWith(t, cls, c, c.Services(), opts...)
}

func newHarnessWith(t *testing.T, cls classifier.Classifier, c *memclinic.Clinic, svc clinic.Services, opts ...Option) *harness {
	t.Helper()
	reg, err := clinictools.New(svc, clinictools.Options{DefaultBranchID: "branch-main"})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{st: memstore.New(), clinic: c, pub: &events.Recorder{}}
	var n atomic.Int64
	base := []Option{
		WithClock(func() time.Time { return monday }),
		WithPublisher(h.pub),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	}
	h.o = New(h.st, cls, dispatch.New(reg, dispatch.WithTimeout(time.Second)), append(base, opts...)...)
	return h
}

// fixed classifies every message as intent at conf, extracting entities
// from the message text.
func fixed(intent classifier.Intent, conf float64) classifier.Classifier {
	return classifier.Func(func(_ context.Context, req classifier.Request) (classifier.Classification, error) {
		return classifier.Classification{Intent: intent, Confidence: conf, Entities: classifier.Extract(req.Message, req.Now)}, nil
	})
}

// scripted returns the given classifications in order, repeating the last.
func scripted(cs ...classifier.Classification) classifier.Classifier {
	var mu sync.Mutex
	i := 0
	return classifier.Func(func(context.Context, classifier.Request) (classifier.Classification, error) {
		mu.Lock()
		defer mu.Unlock()
		c := cs[min(i, len(cs)-1)]
		i++
		return c, nil
	})
}

func (h *harness) tools(t *testing.T, convID string) []string {
	t.Helper()
	turns, err := h.st.Turns(context.Background(), convID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) == 0 {
		t.Fatalf("no turns recorded for %s", convID)
	}
	return turns[len(turns)-1].ToolsExecuted
}

func actionTypes(as []SuggestedAction) []ActionType {
	out := make([]ActionType, len(as))
	for i, a := range as {
		out[i] = a.Type
	}
	return out
}

func TestRescheduleWithKnownPatientOnlyFetchesSlots(t *testing.T) {
	h := newHarness(t, fixed(classifier.AppointmentReschedule, 0.9))
	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{
		ConversationID: "conv-r",
		Message:        "I need to reschedule",
		PatientID:      "pat-1001",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.tools(t, "conv-r"); !slices.Equal(got, []string{string(tool.GetNextAvailableSlots)}) {
		t.Fatalf("tools=%v", got)
	}
	if res.RequiresHumanHandoff || res.HandoffReason != "" {
		t.Fatalf("unexpected handoff: %+v", res)
	}
	if res.Intent != classifier.AppointmentReschedule || res.Response == "" {
		t.Fatalf("res=%+v", res)
	}
	if !slices.Contains(actionTypes(res.SuggestedActions), ActionCreateAppointment) {
		t.Fatalf("actions=%+v", res.SuggestedActions)
	}
}

func TestLowConfidenceHandsOffWithoutTools(t *testing.T) {
	h := newHarness(t, fixed(classifier.AppointmentRequest, 0.2))
	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{
		ConversationID: "conv-low",
		Message:        "umm maybe next week? +1 555 0101",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.RequiresHumanHandoff || res.HandoffReason == "" {
		t.Fatalf("res=%+v", res)
	}
	if got := h.tools(t, "conv-low"); len(got) != 0 {
		t.Fatalf("tools=%v want none", got)
	}
	c, _ := h.st.Load(context.Background(), "conv-low")
	if c.Handoff.State != conversation.HandoffRequested {
		t.Fatalf("handoff=%+v", c.Handoff)
	}
	if res.Response == "" {
		t.Fatal("empty response")
	}
}

func TestStaffWithoutTaskCapabilityIsDenied(t *testing.T) {
	h := newHarness(t, fixed(classifier.CreateTask, 0.9))
	nurse := permission.NewCaller("u-nurse", permission.RoleNurse, permission.DefaultRoles())
	res, err := h.o.HandleStaff(context.Background(), StaffRequest{
		Query:             "Create a follow-up task to call her back about the bloodwork",
		CurrentEntityType: clinictools.EntityPatient,
		CurrentEntityID:   "pat-1001",
		Caller:            nurse,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "nurse is not permitted to use create_followup_task: missing tasks:write"
	if !res.PermissionDenied || res.PermissionDeniedReason != want {
		t.Fatalf("denied=%v reason=%q", res.PermissionDenied, res.PermissionDeniedReason)
	}
	if len(res.ToolsExecuted) != 1 {
		t.Fatalf("toolsExecuted=%+v", res.ToolsExecuted)
	}
	ex := res.ToolsExecuted[0]
	if ex.Tool != tool.CreateFollowupTask || ex.Success || ex.Error != want {
		t.Fatalf("execution=%+v", ex)
	}
	if ex.Params["entityId"] != "pat-1001" {
		t.Fatalf("params=%v", ex.Params)
	}
	if n := len(h.clinic.Tasks()); n != 0 {
		t.Fatalf("tasks created=%d", n)
	}
	if !strings.HasPrefix(res.HandoffReason, "permission denied") {
		t.Fatalf("handoff reason=%q", res.HandoffReason)
	}
	if res.ConversationID == "" {
		t.Fatal("staff turn did not get a conversation id")
	}
}

func TestStaffTaskCreatedForCurrentEntity(t *testing.T) {
	h := newHarness(t, fixed(classifier.CreateTask, 0.9))
	recep := permission.NewCaller("u-desk", permission.RoleReceptionist, permission.DefaultRoles())
	res, err := h.o.HandleStaff(context.Background(), StaffRequest{
		Query:             "remind me to call about the invoice on 2025-03-05",
		CurrentEntityType: clinictools.EntityPatient,
		CurrentEntityID:   "pat-1002",
		Caller:            recep,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.PermissionDenied || len(res.ToolsExecuted) != 1 || !res.ToolsExecuted[0].Success {
		t.Fatalf("res=%+v", res)
	}
	tasks := h.clinic.Tasks()
	if len(tasks) != 1 || tasks[0].EntityID != "pat-1002" || tasks[0].AssignedTo != "u-desk" {
		t.Fatalf("tasks=%+v", tasks)
	}
	if got := tasks[0].DueDate.Format(time.DateOnly); got != "2025-03-05" {
		t.Fatalf("due=%s", got)
	}
	if _, ok := res.Data[string(tool.CreateFollowupTask)]; !ok {
		t.Fatalf("data=%v", res.Data)
	}
}

func TestHandoffOnlyMovesForward(t *testing.T) {
	h := newHarness(t, scripted(
		classifier.Classification{Intent: classifier.Other, Confidence: 0.1},
		classifier.Classification{Intent: classifier.Other, Confidence: 0.1},
		classifier.Classification{Intent: classifier.AppointmentRequest, Confidence: 0.95},
	))
	ctx := context.Background()
	var states []conversation.HandoffState
	var last CustomerResponse
	for _, msg := range []string{"???", "hello??", "I want to book an appointment, phone +1 555 0101"} {
		res, err := h.o.HandleCustomer(ctx, CustomerRequest{ConversationID: "conv-h", Message: msg})
		if err != nil {
			t.Fatal(err)
		}
		c, _ := h.st.Load(ctx, "conv-h")
		states = append(states, c.Handoff.State)
		last = res
	}
	want := []conversation.HandoffState{conversation.HandoffRequested, conversation.HandoffActive, conversation.HandoffActive}
	if !slices.Equal(states, want) {
		t.Fatalf("states=%v want %v", states, want)
	}
	if !last.RequiresHumanHandoff || last.Response == "" {
		t.Fatalf("last=%+v", last)
	}
	if got := h.tools(t, "conv-h"); len(got) != 0 {
		t.Fatalf("tools ran while a human owns the conversation: %v", got)
	}
}

func TestExtractedDataLastWriteWins(t *testing.T) {
	h := newHarness(t, fixed(classifier.AppointmentRequest, 0.9))
	ctx := context.Background()
	for _, msg := range []string{"book me on 2025-03-05 please", "actually 2025-03-07 is better"} {
		if _, err := h.o.HandleCustomer(ctx, CustomerRequest{ConversationID: "conv-lww", Message: msg}); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := h.st.Load(ctx, "conv-lww")
	if got := c.Extracted[conversation.FieldPreferredDate]; got != "2025-03-07" {
		t.Fatalf("preferredDate=%q", got)
	}
}

type failingPatients struct{}

func (failingPatients) FindByPhone(context.Context, string) ([]clinic.Patient, error) {
	return nil, errors.New("patients service: connection refused")
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	c := memclinic.Demo()
	svc := c.Services()
	svc.Patients = failingPatients{}
	h := newHarnessWith(t, fixed(classifier.AppointmentRequest, 0.9), c, svc)

	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{
		ConversationID: "conv-dep",
		Message:        "book me for 2025-03-03 at 10:00, phone +1 555 0101",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{string(tool.FindPatientByPhone), string(tool.GetNextAvailableSlots)}
	if got := h.tools(t, "conv-dep"); !slices.Equal(got, want) {
		t.Fatalf("tools=%v want %v", got, want)
	}
	if len(c.Appointments()) != 0 {
		t.Fatal("dependent booking ran")
	}
	if res.Response == "" {
		t.Fatal("empty response")
	}
	if strings.Contains(res.Response, "connection refused") {
		t.Fatalf("backend detail leaked: %q", res.Response)
	}
	var skipped bool
	for _, a := range res.SuggestedActions {
		if a.Type == ActionFollowUp && strings.Contains(a.Description, "Skipped create_or_update_appointment") {
			skipped = true
		}
	}
	if !skipped {
		t.Fatalf("skip not surfaced: %+v", res.SuggestedActions)
	}
}

func TestBookingLinksPatientAndAppointment(t *testing.T) {
	h := newHarness(t, fixed(classifier.AppointmentRequest, 0.9))
	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{
		ConversationID: "conv-book",
		Channel:        conversation.ChannelWhatsApp,
		Message:        "Hi, book me for 2025-03-03 at 10:00, my phone is +1 555 0101",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.AppointmentID != "apt-0001" || res.RequiresHumanHandoff {
		t.Fatalf("res=%+v", res)
	}
	apts := h.clinic.Appointments()
	if len(apts) != 1 || apts[0].PatientID != "pat-1001" || !apts[0].ScheduledAt.Equal(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("appointments=%+v", apts)
	}
	if res.ExtractedData[conversation.FieldName] != "Maria Gonzalez" {
		t.Fatalf("extracted=%v", res.ExtractedData)
	}
	c, _ := h.st.Load(context.Background(), "conv-book")
	if c.Linked.PatientID != "pat-1001" || c.Linked.AppointmentID != "apt-0001" || c.Channel != conversation.ChannelWhatsApp {
		t.Fatalf("context=%+v", c)
	}
}

func TestReplayIsStructurallyEquivalent(t *testing.T) {
	req := CustomerRequest{ConversationID: "conv-replay", Message: "can I come in on 2025-03-04?", PatientID: "pat-1002"}
	var results []CustomerResponse
	for range 2 {
		h := newHarness(t, fixed(classifier.AppointmentRequest, 0.85))
		res, err := h.o.HandleCustomer(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, res)
	}
	a, b := results[0], results[1]
	if a.Intent != b.Intent || a.RequiresHumanHandoff != b.RequiresHumanHandoff {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
	for _, typ := range actionTypes(a.SuggestedActions) {
		if !slices.Contains(actionTypes(b.SuggestedActions), typ) {
			t.Fatalf("replay lost action %s: %+v", typ, b.SuggestedActions)
		}
	}
}

func TestClassifierFailureDegradesToHandoff(t *testing.T) {
	h := newHarness(t, classifier.Func(func(context.Context, classifier.Request) (classifier.Classification, error) {
		return classifier.Classification{}, errors.New("model overloaded")
	}))
	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-cf", Message: "book me in"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent != classifier.Other || res.Confidence != 0 {
		t.Fatalf("res=%+v", res)
	}
	if !res.RequiresHumanHandoff || res.HandoffReason != "intent classifier unavailable" || res.Response == "" {
		t.Fatalf("res=%+v", res)
	}
}

func TestHumanRequestRaisesHandoff(t *testing.T) {
	h := newHarness(t, fixed(classifier.HumanRequest, 0.9))
	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-hr", Message: "let me talk to a real person"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.RequiresHumanHandoff || res.HandoffReason != "customer requested a human" {
		t.Fatalf("res=%+v", res)
	}
	if !slices.Contains(actionTypes(res.SuggestedActions), ActionEscalate) {
		t.Fatalf("actions=%+v", res.SuggestedActions)
	}
}

func TestToolHandoffOutranksPermissionDenial(t *testing.T) {
	h := newHarness(t, fixed(classifier.AppointmentRequest, 0.9))
	billing := permission.NewCaller("u-bill", permission.RoleBilling, permission.DefaultRoles())
	res, err := h.o.HandleStaff(context.Background(), StaffRequest{
		Query:  "book the patient on +1 555 0199 for 2025-03-03 at 10:00",
		Caller: billing,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.PermissionDenied {
		t.Fatalf("expected the slot lookup to be denied: %+v", res.ToolsExecuted)
	}
	if res.HandoffReason != "phone number matches 2 patients" {
		t.Fatalf("reason=%q", res.HandoffReason)
	}
	if len(res.ToolsExecuted) != 2 {
		t.Fatalf("toolsExecuted=%+v", res.ToolsExecuted)
	}
}

func TestBillingInquiryWithoutKeyAsksForOne(t *testing.T) {
	h := newHarness(t, fixed(classifier.BillingInquiry, 0.85))
	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-bill", Message: "how much do I owe?"})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.tools(t, "conv-bill"); len(got) != 0 {
		t.Fatalf("tools=%v", got)
	}
	if !strings.Contains(res.Response, "phone number or invoice number") {
		t.Fatalf("response=%q", res.Response)
	}

	res, err = h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-bill", Message: "it's for INV-2025-001"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Response, "180.00") {
		t.Fatalf("response=%q", res.Response)
	}
}

func TestStaffSeedsHistoryForNewConversation(t *testing.T) {
	var seen []conversation.Message
	cls := classifier.Func(func(_ context.Context, req classifier.Request) (classifier.Classification, error) {
		seen = req.History
		return classifier.Classification{Intent: classifier.Greeting, Confidence: 0.9}, nil
	})
	h := newHarness(t, cls)
	admin := permission.NewCaller("u-admin", permission.RoleAdmin, permission.DefaultRoles())
	res, err := h.o.HandleStaff(context.Background(), StaffRequest{
		Query:  "hi",
		Caller: admin,
		MessageHistory: []HistoryMessage{
			{Role: conversation.RoleUser, Content: "earlier question"},
			{Role: conversation.RoleAssistant, Content: "earlier answer"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("classifier history=%+v", seen)
	}
	c, err := h.st.Load(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages) != 4 || c.Messages[2].Content != "hi" || c.Messages[3].Role != conversation.RoleAssistant {
		t.Fatalf("messages=%+v", c.Messages)
	}
	if res.ToolsExecuted == nil {
		t.Fatal("toolsExecuted must be an empty list, not null")
	}
}

func TestEventsFollowCommit(t *testing.T) {
	h := newHarness(t, fixed(classifier.Other, 0.1))
	if _, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-ev", Message: "???"}); err != nil {
		t.Fatal(err)
	}
	evs := h.pub.Events()
	if len(evs) != 2 || evs[0].Type != events.TypeTurnCompleted || evs[1].Type != events.TypeHandoffRequested {
		t.Fatalf("events=%+v", evs)
	}
	if evs[0].ConversationID != "conv-ev" {
		t.Fatalf("event=%+v", evs[0])
	}

	h.pub.Err = errors.New("broker down")
	if _, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-ev", Message: "???"}); err != nil {
		t.Fatalf("publish failure failed the turn: %v", err)
	}
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) Commit(context.Context, *conversation.Context, *store.TurnRecord) error {
	return f.err
}

func TestPersistenceFailureIsRetryable(t *testing.T) {
	c := memclinic.Demo()
	h := newHarnessWith(t, fixed(classifier.Greeting, 0.9), c, c.Services())
	h.o.store = failingStore{Store: h.st, err: errors.New("disk full")}
	_, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-pf", Message: "hello"})
	if err == nil || !errmodel.Retryable(err) {
		t.Fatalf("err=%v retryable=%v", err, errmodel.Retryable(err))
	}
	h.o.store = failingStore{Store: h.st, err: store.ErrConflict}
	_, err = h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-pf", Message: "hello"})
	if !errmodel.Retryable(err) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err=%v", err)
	}
}

func TestTurnsForOneConversationAreSerialized(t *testing.T) {
	var active, peak atomic.Int32
	cls := classifier.Func(func(context.Context, classifier.Request) (classifier.Classification, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return classifier.Classification{Intent: classifier.Greeting, Confidence: 0.9}, nil
	})
	h := newHarness(t, cls)
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: "conv-ser", Message: fmt.Sprintf("hi %d", i)}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("peak concurrent turns=%d", peak.Load())
	}
	c, _ := h.st.Load(context.Background(), "conv-ser")
	if len(c.Messages) != 6 || c.Version != 6 {
		t.Fatalf("messages=%d version=%d", len(c.Messages), c.Version)
	}
	if h.o.locks.size() != 0 {
		t.Fatalf("lock entries leaked: %d", h.o.locks.size())
	}
}

func TestDifferentConversationsRunInParallel(t *testing.T) {
	var arrived atomic.Int32
	both := make(chan struct{})
	cls := classifier.Func(func(context.Context, classifier.Request) (classifier.Classification, error) {
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return classifier.Classification{Intent: classifier.Greeting, Confidence: 0.9}, nil
		case <-time.After(time.Second):
			return classifier.Classification{}, errors.New("turns did not overlap")
		}
	})
	h := newHarness(t, cls)
	var wg sync.WaitGroup
	results := make([]CustomerResponse, 2)
	for i, id := range []string{"conv-a", "conv-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{ConversationID: id, Message: "hello"})
			if err != nil {
				t.Error(err)
			}
			results[i] = res
		}()
	}
	wg.Wait()
	for _, r := range results {
		if r.Intent != classifier.Greeting {
			t.Fatalf("turns were serialized across conversations: %+v", r)
		}
	}
}

func TestCancelledCallerStillPersistsTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cls := classifier.Func(func(context.Context, classifier.Request) (classifier.Classification, error) {
		cancel()
		return classifier.Classification{Intent: classifier.AppointmentRequest, Confidence: 0.9}, nil
	})
	h := newHarness(t, cls)
	if _, err := h.o.HandleCustomer(ctx, CustomerRequest{ConversationID: "conv-cx", Message: "book", PatientID: "pat-1001"}); err != nil {
		t.Fatal(err)
	}
	c, _ := h.st.Load(context.Background(), "conv-cx")
	if len(c.Messages) != 2 || c.Version != 2 {
		t.Fatalf("messages=%d version=%d", len(c.Messages), c.Version)
	}
}

func TestLockWaitHonoursCancellation(t *testing.T) {
	l := newKeyedLock()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	unlock()
	unlock()
	if l.size() != 0 {
		t.Fatalf("size=%d", l.size())
	}
}

func TestKeywordMultiTurnBooking(t *testing.T) {
	h := newHarness(t, classifier.NewKeyword(nil))
	ctx := context.Background()
	res, err := h.o.HandleCustomer(ctx, CustomerRequest{
		ConversationID: "conv-mt",
		Message:        "I'd like to book a cleaning",
		CustomerPhone:  "+15550101",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RequiresHumanHandoff || res.Intent != classifier.AppointmentRequest {
		t.Fatalf("first turn: %+v", res)
	}

	res, err = h.o.HandleCustomer(ctx, CustomerRequest{ConversationID: "conv-mt", Message: "2025-03-04 at 10:00 please"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RequiresHumanHandoff || res.Intent != classifier.AppointmentRequest {
		t.Fatalf("follow-up handed off: %+v", res)
	}
	if got := h.tools(t, "conv-mt"); !slices.Contains(got, string(tool.CreateOrUpdateAppointment)) {
		t.Fatalf("tools=%v", got)
	}
	apts := h.clinic.Appointments()
	if len(apts) != 1 || apts[0].PatientID != "pat-1001" || !apts[0].ScheduledAt.Equal(time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("appointments=%+v", apts)
	}
}

func TestMalformedEntitiesNeverReachExtractedData(t *testing.T) {
	h := newHarness(t, scripted(classifier.Classification{
		Intent:     classifier.AppointmentRequest,
		Confidence: 0.9,
		Entities: map[conversation.Field]string{
			conversation.FieldPreferredDate: "next Tuesday",
			conversation.FieldPreferredTime: "sometime after lunch",
		},
	}))
	res, err := h.o.HandleCustomer(context.Background(), CustomerRequest{
		ConversationID: "conv-bad",
		Message:        "next Tuesday, sometime after lunch",
		PatientID:      "pat-1001",
	})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := h.st.Load(context.Background(), "conv-bad")
	for _, f := range []conversation.Field{conversation.FieldPreferredDate, conversation.FieldPreferredTime} {
		if v, ok := c.Extracted[f]; ok {
			t.Fatalf("%s=%q committed", f, v)
		}
	}
	if got := h.tools(t, "conv-bad"); !slices.Equal(got, []string{string(tool.GetNextAvailableSlots)}) {
		t.Fatalf("tools=%v", got)
	}
	if strings.Contains(res.Response, "couldn't") {
		t.Fatalf("response=%q", res.Response)
	}
}

func TestRequestedHandoffStaysReported(t *testing.T) {
	h := newHarness(t, scripted(
		classifier.Classification{Intent: classifier.Other, Confidence: 0.1},
		classifier.Classification{Intent: classifier.Greeting, Confidence: 0.9},
	))
	ctx := context.Background()
	first, err := h.o.HandleCustomer(ctx, CustomerRequest{ConversationID: "conv-req", Message: "???"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.o.HandleCustomer(ctx, CustomerRequest{ConversationID: "conv-req", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := h.st.Load(ctx, "conv-req")
	if c.Handoff.State != conversation.HandoffRequested {
		t.Fatalf("state=%s", c.Handoff.State)
	}
	if !second.RequiresHumanHandoff || second.HandoffReason != first.HandoffReason || second.HandoffReason == "" {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
}
