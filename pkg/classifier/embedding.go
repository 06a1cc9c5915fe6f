package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/wilhg/clinic-assist/pkg/adapters/embedding"
	"github.com/wilhg/clinic-assist/pkg/adapters/vectorstore"
)

const exemplarNamespace = "intent-exemplars"

// DefaultExemplars are labelled utterances indexed by the embedding classifier.
func DefaultExemplars() map[Intent][]string {
	return map[Intent][]string{
		Greeting:              {"hi there", "hello", "good morning"},
		AppointmentRequest:    {"I would like to book an appointment", "can I come in next week", "do you have any availability tomorrow"},
		AppointmentReschedule: {"I need to reschedule my appointment", "can we move my appointment to another day", "I can't make it, can we change the time"},
		AppointmentCancel:     {"please cancel my appointment", "I want to cancel my booking"},
		ServiceInquiry:        {"do you offer teeth whitening", "what treatments do you provide", "what are your opening hours"},
		PricingInquiry:        {"how much does a cleaning cost", "what is the price of a consultation"},
		BillingInquiry:        {"what is my invoice balance", "how much do I owe", "has my payment gone through"},
		VisitSummary:          {"summarize the patient's last visit", "what happened at the previous visit"},
		PatientLookup:         {"look up the patient with this phone number", "find the patient record"},
		CreateTask:            {"create a follow-up task for this patient", "remind the front desk to call back"},
		Complaint:             {"I want to make a complaint", "the receptionist was rude", "I am very unhappy with the service"},
		HumanRequest:          {"I want to talk to a real person", "let me speak to someone", "connect me to a human"},
	}
}

// Embedding classifies by nearest labelled exemplars.
type Embedding struct {
	emb embedding.Embedder
	vs  vectorstore.VectorStore
	k   int
	now func() time.Time
}

// NewEmbedding embeds and indexes the exemplars. k is the neighbour count.
func NewEmbedding(ctx context.Context, emb embedding.Embedder, vs vectorstore.VectorStore, exemplars map[Intent][]string, k int) (*Embedding, error) {
	if k <= 0 {
		k = 5
	}
	var texts []string
	var labels []Intent
	for _, in := range Intents() {
		for _, t := range exemplars[in] {
			texts = append(texts, t)
			labels = append(labels, in)
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding classifier: no exemplars")
	}
	vecs, err := emb.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding classifier: embed exemplars: %w", err)
	}
	items := make([]vectorstore.Item, len(vecs))
	for i, v := range vecs {
		items[i] = vectorstore.Item{
			ID:        fmt.Sprintf("%s-%d", labels[i], i),
			Namespace: exemplarNamespace,
			Vector:    vectorstore.Vector(v),
			Label:     string(labels[i]),
			Metadata:  map[string]string{"text": texts[i]},
		}
	}
	if err := vs.Upsert(ctx, items); err != nil {
		return nil, fmt.Errorf("embedding classifier: index exemplars: %w", err)
	}
	return &Embedding{emb: emb, vs: vs, k: k, now: time.Now}, nil
}

// Classify votes over the k nearest exemplars weighted by similarity. The
// confidence is the winning share of the vote scaled by the best similarity.
func (c *Embedding) Classify(ctx context.Context, req Request) (Classification, error) {
	now := req.Now
	if now.IsZero() {
		now = c.now()
	}
	vecs, err := c.emb.Embed(ctx, []string{req.Message})
	if err != nil {
		return Classification{}, err
	}
	if len(vecs) != 1 {
		return Classification{}, fmt.Errorf("embedding classifier: got %d vectors", len(vecs))
	}
	matches, err := c.vs.Query(ctx, vectorstore.Vector(vecs[0]), c.k, vectorstore.Filter{Namespace: exemplarNamespace})
	if err != nil {
		return Classification{}, err
	}
	votes := map[string]float64{}
	var total float64
	best, bestScore := map[string]float64{}, 0.0
	for _, m := range matches {
		if m.Score <= 0 {
			continue
		}
		s := float64(m.Score)
		votes[m.Item.Label] += s
		total += s
		if s > best[m.Item.Label] {
			best[m.Item.Label] = s
		}
	}
	out := Classification{Intent: Other, Entities: Extract(req.Message, now), InvoiceNumber: InvoiceNumber(req.Message)}
	winner := ""
	for _, in := range Intents() {
		l := string(in)
		if votes[l] > votes[winner] {
			winner = l
		}
	}
	if winner != "" && total > 0 {
		bestScore = best[winner]
		out.Intent = Intent(winner)
		out.Confidence = votes[winner] / total * bestScore
	}
	return normalize(out), nil
}
