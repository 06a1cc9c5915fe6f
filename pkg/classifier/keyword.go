package classifier

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/wilhg/clinic-assist/pkg/conversation"
)

type keywordRule struct {
	intent Intent
	re     *regexp.Regexp
}

func words(ws ...string) *regexp.Regexp {
	quoted := make([]string, len(ws))
	for i, w := range ws {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Rules are in tie-break priority order.
var keywordRules = []keywordRule{
	{HumanRequest, words("human", "real person", "representative", "operator", "speak to someone", "talk to someone", "speak to a person", "talk to a person")},
	{Complaint, words("complain", "complaint", "unhappy", "terrible", "rude", "disappointed", "refund", "worst")},
	{AppointmentCancel, words("cancel", "cancellation", "call off")},
	{AppointmentReschedule, words("reschedule", "rescheduling", "move my appointment", "change my appointment", "different time", "postpone", "push back")},
	{CreateTask, words("create a task", "follow-up task", "follow up task", "remind", "reminder", "task for")},
	{VisitSummary, words("last visit", "previous visit", "visit summary", "summarize", "summary")},
	{PatientLookup, words("look up", "lookup", "find patient", "find the patient", "patient with phone", "which patient")},
	{BillingInquiry, words("invoice", "bill", "billing", "balance", "owe", "payment", "paid", "outstanding")},
	{AppointmentRequest, words("book", "booking", "appointment", "schedule", "availability", "available", "slot", "come in")},
	{PricingInquiry, words("price", "prices", "cost", "costs", "how much", "fee", "fees", "quote")},
	{ServiceInquiry, words("do you offer", "services", "service", "treatment", "treatments", "do you do", "opening hours", "open on")},
	{Greeting, words("hi", "hello", "hey", "good morning", "good afternoon", "good evening")},
}

var broad = map[Intent]bool{AppointmentRequest: true, PricingInquiry: true, ServiceInquiry: true, Greeting: true}

// followUpFields are the fields a keyword-less reply can supply to continue
// the thread of an earlier intent.
var followUpFields = map[Intent][]conversation.Field{
	AppointmentRequest: {conversation.FieldPreferredDate, conversation.FieldPreferredTime, conversation.FieldPhone,
		conversation.FieldPreferredDoctor, conversation.FieldPreferredService, conversation.FieldName},
	AppointmentReschedule: {conversation.FieldPreferredDate, conversation.FieldPreferredTime, conversation.FieldPreferredDoctor},
	AppointmentCancel:     {conversation.FieldPreferredDate, conversation.FieldPreferredTime, conversation.FieldPhone},
	BillingInquiry:        {conversation.FieldPhone},
	VisitSummary:          {conversation.FieldPhone},
	PatientLookup:         {conversation.FieldPhone},
	CreateTask:            {conversation.FieldPreferredDate},
}

const (
	// Penalty for inheriting an intent from history.
	inheritPenalty = 0.25
	// Penalty when the reply carries fields the inherited intent uses.
	continuePenalty = 0.05
)

// Keyword is a deterministic classifier built from keyword rules and regular
// expression entity extraction. It needs no network and is the default.
type Keyword struct {
	now func() time.Time
}

// NewKeyword returns a keyword classifier. A nil clock uses time.Now.
func NewKeyword(now func() time.Time) *Keyword {
	if now == nil {
		now = time.Now
	}
	return &Keyword{now: now}
}

// Classify scores each intent by keyword hits. The intent with the most hits
// wins; earlier rules win ties at a lower confidence. Greetings only
// win when nothing else matched. When the message alone matches nothing, the
// latest user message in history is consulted at reduced confidence; a reply
// that supplies fields the earlier intent needs keeps most of it.
func (k *Keyword) Classify(ctx context.Context, req Request) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	now := req.Now
	if now.IsZero() {
		now = k.now()
	}
	c := scoreText(req.Message)
	c.Entities = Extract(req.Message, now)
	c.InvoiceNumber = InvoiceNumber(req.Message)
	if c.Intent == Other {
		for i := len(req.History) - 1; i >= 0; i-- {
			if req.History[i].Role != conversation.RoleUser {
				continue
			}
			if prev := scoreText(req.History[i].Content); prev.Intent != Other && prev.Intent != Greeting {
				c.Intent = prev.Intent
				c.Confidence = prev.Confidence - inheritPenalty
				if continues(c) {
					c.Confidence = prev.Confidence - continuePenalty
				}
			}
			break
		}
	}
	return normalize(c), nil
}

func continues(c Classification) bool {
	if c.Intent == BillingInquiry && c.InvoiceNumber != "" {
		return true
	}
	for _, f := range followUpFields[c.Intent] {
		if c.Entities[f] != "" {
			return true
		}
	}
	return false
}

func scoreText(text string) Classification {
	best, bestHits, tie := Other, 0, false
	for _, r := range keywordRules {
		if r.intent == Greeting && bestHits > 0 {
			break
		}
		hits := len(r.re.FindAllStringIndex(text, -1))
		switch {
		case hits > bestHits:
			best, bestHits, tie = r.intent, hits, false
		case hits > 0 && hits == bestHits:
			// A broad intent does not contest a specific one.
			if !broad[r.intent] || broad[best] {
				tie = true
			}
		}
	}
	if bestHits == 0 {
		return Classification{Intent: Other, Confidence: 0.3}
	}
	conf := 0.75
	if bestHits >= 2 {
		conf = 0.85
	}
	if bestHits >= 3 {
		conf = 0.95
	}
	if best == Greeting {
		conf = 0.9
	}
	if tie {
		conf -= 0.2
	}
	return Classification{Intent: best, Confidence: conf}
}
