// Package dispatch runs a single tool call through lookup, parameter
// validation, permission evaluation and bounded execution, and normalizes the
// outcome into a tool.Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/clinic-assist/pkg/errmodel"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/tool"
)

// Messages callers see. Handler detail is only logged.
const (
	MsgUnknownTool     = "unknown tool"
	MsgExecutionFailed = "tool execution failed"
)

// DefaultTimeout bounds a handler when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Authorizer decides whether a caller may use a tool. permission.Evaluator
// is the production implementation.
type Authorizer interface {
	Evaluate(caller permission.Caller, tool string, required []permission.Capability) permission.Decision
}

// Dispatcher is safe for concurrent use; it holds no per-call state.
type Dispatcher struct {
	reg     *tool.Registry
	authz   Authorizer
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-handler execution bound.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.log = l
		}
	}
}

// WithAuthorizer replaces the default permission evaluator.
func WithAuthorizer(a Authorizer) Option {
	return func(x *Dispatcher) {
		if a != nil {
			x.authz = a
		}
	}
}

func New(reg *tool.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{reg: reg, authz: permission.Evaluator{}, timeout: DefaultTimeout, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Registry returns the catalog the dispatcher resolves tools from.
func (d *Dispatcher) Registry() *tool.Registry { return d.reg }

// Dispatch never returns an error; every failure is folded into the result.
// Validation always runs before the permission check, and a handler only
// runs once both pass.
func (d *Dispatcher) Dispatch(ctx context.Context, call tool.Call, caller permission.Caller) tool.Result {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "Dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("tool.name", string(call.Tool)),
		attribute.String("caller.id", caller.ID),
		attribute.String("caller.role", string(caller.Role)),
	))
	defer span.End()
	start := time.Now()

	res, outcome := d.dispatch(ctx, call, caller)

	span.SetAttributes(attribute.String("tool.outcome", outcome), attribute.Bool("tool.success", res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, outcome)
	}
	recordDispatch(string(call.Tool), outcome, time.Since(start))
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, call tool.Call, caller permission.Caller) (tool.Result, string) {
	def, ok := d.reg.Lookup(call.Tool)
	if !ok {
		d.log.WarnContext(ctx, "unknown tool requested", "tool", call.Tool, "caller_id", caller.ID)
		return tool.Result{Error: MsgUnknownTool}, outcomeUnknown
	}

	if err := def.Validate(call.Params); err != nil {
		msg := errmodel.From(err).Message
		d.log.InfoContext(ctx, "tool params rejected", "tool", call.Tool, "error", msg)
		return tool.Result{Error: msg}, outcomeInvalid
	}

	if dec := d.authz.Evaluate(caller, string(def.Name), def.Capabilities); !dec.Allowed {
		d.log.InfoContext(ctx, "tool call denied", "tool", call.Tool, "caller_id", caller.ID, "role", caller.Role, "missing", dec.Missing)
		return tool.Result{Error: dec.Reason, PermissionDenied: true}, outcomeDenied
	}

	out, err := d.execute(ctx, def, call.Params)
	if err != nil {
		outcome := outcomeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = outcomeTimeout
		}
		d.log.ErrorContext(ctx, "tool execution failed", "tool", call.Tool, "caller_id", caller.ID, "outcome", outcome, "error", err)
		trace.SpanFromContext(ctx).RecordError(err)
		return tool.Result{Error: MsgExecutionFailed}, outcome
	}
	return tool.Result{
		Success:              true,
		Data:                 out.Data,
		RequiresHumanHandoff: out.RequiresHumanHandoff,
		HandoffReason:        out.HandoffReason,
	}, outcomeOK
}

type execResult struct {
	out tool.Outcome
	err error
}

// execute runs the handler detached from the caller's cancellation so a
// disconnecting caller cannot interrupt a side effect halfway; only the
// timeout bounds it.
func (d *Dispatcher) execute(ctx context.Context, def tool.Definition, params map[string]any) (tool.Outcome, error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := def.Handler(hctx, params)
		done <- execResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-hctx.Done():
		return tool.Outcome{}, fmt.Errorf("tool %s exceeded %s: %w", def.Name, d.timeout, hctx.Err())
	}
}
