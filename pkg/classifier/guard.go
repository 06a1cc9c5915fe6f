package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Labels: reason (timeout, error)
var fallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clinic_assist",
	Subsystem: "classifier",
	Name:      "fallback_total",
	Help:      "Classifications replaced by the OTHER/0 fallback",
}, []string{"reason"})

// Guarded bounds a classifier with a timeout and turns any failure into the
// OTHER intent at confidence 0. It never returns an error.
type Guarded struct {
	inner   Classifier
	timeout time.Duration
	log     *slog.Logger
}

// Guard wraps inner. A non-positive timeout defaults to 3s.
func Guard(inner Classifier, timeout time.Duration, log *slog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guarded{inner: inner, timeout: timeout, log: log}
}

type classifyResult struct {
	c   Classification
	err error
}

func (g *Guarded) Classify(ctx context.Context, req Request) (Classification, error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "Classifier.Classify")
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	done := make(chan classifyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- classifyResult{err: fmt.Errorf("classifier panic: %v", r)}
			}
		}()
		c, err := g.inner.Classify(cctx, req)
		done <- classifyResult{c: c, err: err}
	}()

	var (
		res    classifyResult
		reason string
	)
	select {
	case res = <-done:
		if res.err != nil {
			reason = "error"
		}
	case <-cctx.Done():
		res.err, reason = cctx.Err(), "timeout"
	}
	if res.err != nil {
		fallbackTotal.WithLabelValues(reason).Inc()
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "classifier unavailable")
		g.log.WarnContext(ctx, "classifier unavailable, using fallback", "reason", reason, "error", res.err)
		return Classification{Intent: Other, Confidence: 0, Fallback: true}, nil
	}
	c := normalize(res.c)
	if c.InvoiceNumber == "" {
		c.InvoiceNumber = InvoiceNumber(req.Message)
	}
	span.SetAttributes(attribute.String("intent", string(c.Intent)), attribute.Float64("confidence", c.Confidence))
	return c, nil
}
