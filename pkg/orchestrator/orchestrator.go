// Package orchestrator runs conversation turns for the customer agent and the
// staff copilot. A turn moves through Received, Classified, ToolsSelected,
// ToolsExecuted, Composed and Delivered exactly once; tool selection is a
// fixed rule table keyed by intent and every call goes through the
// dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/conversation"
	"github.com/wilhg/clinic-assist/pkg/conversation/window"
	"github.com/wilhg/clinic-assist/pkg/dispatch"
	"github.com/wilhg/clinic-assist/pkg/errmodel"
	"github.com/wilhg/clinic-assist/pkg/events"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/store"
)

// Policy holds the tunable constants of a turn.
type Policy struct {
	// ConfidenceThreshold is the minimum classifier confidence for tools to run.
	ConfidenceThreshold float64
	// EscalateAfter is the number of handoff signals that turns a requested
	// handoff into an active one. Values below 2 are treated as 2.
	EscalateAfter int
	// DefaultServiceID is booked when the customer named no service.
	DefaultServiceID string
	// FollowupAssignee receives tasks the customer agent creates.
	FollowupAssignee string
}

// DefaultPolicy returns the built-in policy values.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold: 0.6,
		EscalateAfter:       2,
		DefaultServiceID:    "consultation",
		FollowupAssignee:    "front-desk",
	}
}

type Orchestrator struct {
	store      store.Store
	classifier classifier.Classifier
	dispatcher *dispatch.Dispatcher
	window     *window.Window
	publisher  events.Publisher
	policy     Policy
	agent      permission.Caller
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
	locks      *keyedLock
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPolicy(p Policy) Option { return func(o *Orchestrator) { o.policy = p } }

// WithWindow sets the trailing history window handed to the classifier.
func WithWindow(w *window.Window) Option {
	return func(o *Orchestrator) {
		if w != nil {
			o.window = w
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator for conversation and turn ids.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.newID = f
		}
	}
}

// WithCustomerAgent sets the service identity the customer agent calls tools as.
func WithCustomerAgent(c permission.Caller) Option {
	return func(o *Orchestrator) { o.agent = c }
}

// New wires an orchestrator. The classifier should already be guarded; an
// unguarded one is wrapped with classifier.Guard.
func New(st store.Store, cls classifier.Classifier, d *dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		dispatcher: d,
		window:     window.New(),
		publisher:  events.Noop{},
		policy:     DefaultPolicy(),
		agent:      permission.NewCaller("customer-agent", permission.RoleCustomerAgent, permission.DefaultRoles()),
		log:        slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		locks:      newKeyedLock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if _, ok := cls.(*classifier.Guarded); !ok {
		cls = classifier.Guard(cls, 0, o.log)
	}
	o.classifier = cls
	if o.policy.EscalateAfter < 2 {
		o.policy.EscalateAfter = 2
	}
	if o.policy.FollowupAssignee == "" {
		o.policy.FollowupAssignee = DefaultPolicy().FollowupAssignee
	}
	if o.policy.DefaultServiceID == "" {
		o.policy.DefaultServiceID = DefaultPolicy().DefaultServiceID
	}
	return o
}

// Policy returns the effective policy.
func (o *Orchestrator) Policy() Policy { return o.policy }

// HandleCustomer runs one customer-agent turn. The only error it returns is
// a retryable persistence failure (or the caller's cancellation while
// waiting for an in-flight turn of the same conversation).
func (o *Orchestrator) HandleCustomer(ctx context.Context, req CustomerRequest) (CustomerResponse, error) {
	ch := req.Channel
	if ch == "" {
		ch = conversation.ChannelWebChat
	}
	in := turnInput{
		assistant:      AssistantCustomer,
		caller:         o.agent,
		conversationID: req.ConversationID,
		channel:        ch,
		message:        req.Message,
		history:        req.MessageHistory,
		leadID:         req.LeadID,
		patientID:      req.PatientID,
		seed: map[conversation.Field]string{
			conversation.FieldPhone: req.CustomerPhone,
			conversation.FieldName:  req.CustomerName,
		},
	}
	t, err := o.run(ctx, in)
	if err != nil {
		return CustomerResponse{}, err
	}
	return t.customerResponse(), nil
}

// HandleStaff runs one staff-copilot turn on behalf of req.Caller.
func (o *Orchestrator) HandleStaff(ctx context.Context, req StaffRequest) (StaffResponse, error) {
	in := turnInput{
		assistant:      AssistantStaff,
		caller:         req.Caller,
		conversationID: req.ConversationID,
		channel:        conversation.ChannelWebChat,
		message:        req.Query,
		history:        req.MessageHistory,
		entityType:     req.CurrentEntityType,
		entityID:       req.CurrentEntityID,
		staffContext:   req.CurrentContext,
	}
	t, err := o.run(ctx, in)
	if err != nil {
		return StaffResponse{}, err
	}
	return t.staffResponse(), nil
}

// Conversation returns the stored context and its turn records. The
// snapshot is not locked against an in-flight turn.
func (o *Orchestrator) Conversation(ctx context.Context, id string) (*conversation.Context, []store.TurnRecord, error) {
	c, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	turns, err := o.store.Turns(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return c, turns, nil
}

type turnInput struct {
	assistant      Assistant
	caller         permission.Caller
	conversationID string
	channel        conversation.Channel
	message        string
	history        []HistoryMessage
	leadID         string
	patientID      string
	seed           map[conversation.Field]string
	entityType     string
	entityID       string
	staffContext   string
}

func (o *Orchestrator) run(ctx context.Context, in turnInput) (*turnState, error) {
	if in.conversationID == "" {
		in.conversationID = o.newID()
	}
	unlock, err := o.locks.Lock(ctx, in.conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Once the lock is held the turn runs to completion even if the caller
	// goes away; only delivery of the response is abandoned.
	ctx = context.WithoutCancel(ctx)
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.Turn", trace.WithAttributes(
		attribute.String("assistant", string(in.assistant)),
		attribute.String("conversation_id", in.conversationID),
	))
	defer span.End()
	start := time.Now()

	t, err := o.turn(ctx, in)
	turnSeconds.WithLabelValues(string(in.assistant)).Observe(time.Since(start).Seconds())
	if err != nil {
		persistFailures.WithLabelValues(string(in.assistant)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn aborted")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("intent", string(t.cls.Intent)),
		attribute.Float64("confidence", t.cls.Confidence),
		attribute.String("handoff_state", string(t.conv.Handoff.State)),
		attribute.Int("tools_executed", len(t.execs)),
	)
	return t, nil
}

func (o *Orchestrator) turn(ctx context.Context, in turnInput) (*turnState, error) {
	now := o.now().UTC()

	// Received
	conv, err := o.store.Load(ctx, in.conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		conv = conversation.New(in.conversationID, in.channel, now)
		for _, m := range in.history {
			conv.Append(m.Role, m.Content, now)
		}
	case err != nil:
		return nil, persistenceError(in.conversationID, "load", err)
	}
	conv.Extracted.Merge(in.seed)
	if !conv.Linked.Link(conversation.EntityLead, in.leadID) {
		o.log.WarnContext(ctx, "ignoring conflicting lead id", "conversation_id", conv.ID, "lead_id", in.leadID)
	}
	if !conv.Linked.Link(conversation.EntityPatient, in.patientID) {
		o.log.WarnContext(ctx, "ignoring conflicting patient id", "conversation_id", conv.ID, "patient_id", in.patientID)
	}
	prior := conv.Messages
	conv.Append(conversation.RoleUser, in.message, now)
	if err := o.store.Commit(ctx, conv, nil); err != nil {
		return nil, persistenceError(conv.ID, "append", err)
	}

	t := &turnState{
		orch:         o,
		in:           in,
		conv:         conv,
		now:          now,
		startHandoff: conv.Handoff.State,
	}

	// Classified
	trailing, wlog := o.window.Select(prior)
	t.cls, _ = o.classifier.Classify(ctx, classifier.Request{Message: in.message, History: trailing, Now: now})
	conv.Extracted.Merge(t.cls.Entities)
	o.log.DebugContext(ctx, "classified", "conversation_id", conv.ID, "intent", t.cls.Intent,
		"confidence", t.cls.Confidence, "window_turns", wlog.Turns, "window_dropped", wlog.DroppedCount)

	// ToolsSelected
	switch {
	case t.startHandoff == conversation.HandoffActive:
		t.holding = true
	case t.cls.Confidence < o.policy.ConfidenceThreshold:
	default:
		t.steps = plan(t)
	}

	// ToolsExecuted
	o.execute(ctx, t)
	o.applyHandoff(t)

	// Composed
	t.compose()
	conv.Append(conversation.RoleAssistant, t.response, o.now())

	// Delivered
	rec := &store.TurnRecord{
		TurnID:         o.newID(),
		ConversationID: conv.ID,
		Assistant:      string(in.assistant),
		Intent:         string(t.cls.Intent),
		Confidence:     t.cls.Confidence,
		ToolsExecuted:  t.toolNames(),
		HandoffState:   conv.Handoff.State,
		CreatedAt:      now,
	}
	if err := o.store.Commit(ctx, conv, rec); err != nil {
		return nil, persistenceError(conv.ID, "commit", err)
	}

	turnsTotal.WithLabelValues(string(in.assistant), string(t.cls.Intent)).Inc()
	if t.cause != nil {
		handoffsTotal.WithLabelValues(string(in.assistant), t.cause.kind.String()).Inc()
	}
	o.log.InfoContext(ctx, "turn delivered",
		"conversation_id", conv.ID,
		"assistant", in.assistant,
		"channel", conv.Channel,
		"intent", t.cls.Intent,
		"confidence", t.cls.Confidence,
		"handoff_state", conv.Handoff.State,
		"tools", len(t.execs),
	)
	o.publish(ctx, t, rec)
	return t, nil
}

func (o *Orchestrator) publish(ctx context.Context, t *turnState, rec *store.TurnRecord) {
	evs := []events.Event{events.NewEvent(events.TypeTurnCompleted, t.conv.ID, string(t.in.assistant), t.now, map[string]any{
		"turnId":        rec.TurnID,
		"intent":        rec.Intent,
		"confidence":    rec.Confidence,
		"toolsExecuted": rec.ToolsExecuted,
		"handoffState":  string(rec.HandoffState),
	})}
	switch t.advanced {
	case conversation.HandoffRequested:
		evs = append(evs, events.NewEvent(events.TypeHandoffRequested, t.conv.ID, string(t.in.assistant), t.now,
			map[string]any{"reason": t.conv.Handoff.Reason}))
	case conversation.HandoffActive:
		evs = append(evs, events.NewEvent(events.TypeHandoffActivated, t.conv.ID, string(t.in.assistant), t.now,
			map[string]any{"reason": t.conv.Handoff.Reason, "signals": t.conv.Handoff.Signals}))
	}
	if err := o.publisher.Publish(ctx, evs...); err != nil {
		o.log.WarnContext(ctx, "event publish failed", "conversation_id", t.conv.ID, "error", err)
	}
}

func persistenceError(id, op string, err error) error {
	code := "persistence_failed"
	if errors.Is(err, store.ErrConflict) {
		code = "version_conflict"
	}
	return errmodel.Persistence(code, fmt.Sprintf("conversation %s could not be saved (%s)", id, op),
		map[string]any{"conversation_id": id}, err)
}
