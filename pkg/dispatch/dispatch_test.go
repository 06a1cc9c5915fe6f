package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/tool"
)

type taskParams struct {
	EntityID string `json:"entityId"`
	DueDate  string `json:"dueDate"`
}

type countingAuthz struct {
	n     atomic.Int32
	inner permission.Evaluator
}

func (c *countingAuthz) Evaluate(caller permission.Caller, name string, req []permission.Capability) permission.Decision {
	c.n.Add(1)
	return c.inner.Evaluate(caller, name, req)
}

func newDispatcher(t *testing.T, h func(ctx context.Context, p taskParams) (tool.Outcome, error), opts ...Option) (*Dispatcher, *countingAuthz) {
	t.Helper()
	def, err := tool.Typed(tool.CreateFollowupTask, "task", []permission.Capability{permission.TasksWrite}, h, tool.DateField("dueDate"))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := tool.NewRegistry(def)
	if err != nil {
		t.Fatal(err)
	}
	authz := &countingAuthz{}
	return New(reg, append([]Option{WithAuthorizer(authz)}, opts...)...), authz
}

var (
	admin = permission.NewCaller("u-admin", permission.RoleAdmin, permission.DefaultRoles())
	nurse = permission.NewCaller("u-nurse", permission.RoleNurse, permission.DefaultRoles())
)

func TestValidationPrecedesPermission(t *testing.T) {
	var calls atomic.Int32
	d, authz := newDispatcher(t, func(ctx context.Context, p taskParams) (tool.Outcome, error) {
		calls.Add(1)
		return tool.Outcome{}, nil
	})
	res := d.Dispatch(context.Background(), tool.Call{Tool: tool.CreateFollowupTask, Params: map[string]any{"entityId": "p1"}}, nurse)
	if res.Success || !strings.Contains(res.Error, `missing required field "dueDate"`) {
		t.Fatalf("res=%+v", res)
	}
	if res.PermissionDenied {
		t.Fatal("validation failure reported as denial")
	}
	if authz.n.Load() != 0 || calls.Load() != 0 {
		t.Fatalf("authz=%d handler=%d, want 0/0", authz.n.Load(), calls.Load())
	}
}

func TestDeniedCallNeverRunsHandler(t *testing.T) {
	var calls atomic.Int32
	d, _ := newDispatcher(t, func(ctx context.Context, p taskParams) (tool.Outcome, error) {
		calls.Add(1)
		return tool.Outcome{}, nil
	})
	res := d.Dispatch(context.Background(), tool.Call{Tool: tool.CreateFollowupTask, Params: map[string]any{"entityId": "p1", "dueDate": "2025-05-01"}}, nurse)
	if res.Success || !res.PermissionDenied {
		t.Fatalf("res=%+v", res)
	}
	if res.Error != "nurse is not permitted to use create_followup_task: missing tasks:write" {
		t.Fatalf("reason=%q", res.Error)
	}
	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times on denial", calls.Load())
	}
}

func TestSuccessPropagatesHandoff(t *testing.T) {
	d, _ := newDispatcher(t, func(ctx context.Context, p taskParams) (tool.Outcome, error) {
		return tool.Outcome{Data: p.EntityID, RequiresHumanHandoff: true, HandoffReason: "ambiguous"}, nil
	})
	res := d.Dispatch(context.Background(), tool.Call{Tool: tool.CreateFollowupTask, Params: map[string]any{"entityId": "p1", "dueDate": "2025-05-01"}}, admin)
	if !res.Success || res.Data != "p1" || !res.RequiresHumanHandoff || res.HandoffReason != "ambiguous" {
		t.Fatalf("res=%+v", res)
	}
}

func TestHandlerErrorIsHidden(t *testing.T) {
	d, _ := newDispatcher(t, func(ctx context.Context, p taskParams) (tool.Outcome, error) {
		return tool.Outcome{}, errors.New("pq: relation \"tasks\" does not exist")
	})
	res := d.Dispatch(context.Background(), tool.Call{Tool: tool.CreateFollowupTask, Params: map[string]any{"entityId": "p1", "dueDate": "2025-05-01"}}, admin)
	if res.Success || res.Error != MsgExecutionFailed {
		t.Fatalf("res=%+v", res)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	d, _ := newDispatcher(t, func(ctx context.Context, p taskParams) (tool.Outcome, error) {
		panic("boom")
	})
	res := d.Dispatch(context.Background(), tool.Call{Tool: tool.CreateFollowupTask, Params: map[string]any{"entityId": "p1", "dueDate": "2025-05-01"}}, admin)
	if res.Success || res.Error != MsgExecutionFailed {
		t.Fatalf("res=%+v", res)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d, _ := newDispatcher(t, func(ctx context.Context, p taskParams) (tool.Outcome, error) {
		<-release
		return tool.Outcome{}, nil
	}, WithTimeout(20*time.Millisecond))
	start := time.Now()
	res := d.Dispatch(context.Background(), tool.Call{Tool: tool.CreateFollowupTask, Params: map[string]any{"entityId": "p1", "dueDate": "2025-05-01"}}, admin)
	if res.Success || res.Error != MsgExecutionFailed {
		t.Fatalf("res=%+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestCallerCancellationDoesNotAbortHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, _ := newDispatcher(t, func(hctx context.Context, p taskParams) (tool.Outcome, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if hctx.Err() != nil {
			return tool.Outcome{}, hctx.Err()
		}
		return tool.Outcome{Data: "done"}, nil
	})
	res := d.Dispatch(ctx, tool.Call{Tool: tool.CreateFollowupTask, Params: map[string]any{"entityId": "p1", "dueDate": "2025-05-01"}}, admin)
	if !res.Success || res.Data != "done" {
		t.Fatalf("res=%+v", res)
	}
}

func TestUnknownTool(t *testing.T) {
	d, authz := newDispatcher(t, func(ctx context.Context, p taskParams) (tool.Outcome, error) {
		return tool.Outcome{}, nil
	})
	for _, name := range []tool.Name{tool.SummarizeLastVisit, "drop_tables"} {
		res := d.Dispatch(context.Background(), tool.Call{Tool: name}, admin)
		if res.Success || res.Error != MsgUnknownTool {
			t.Fatalf("%s: res=%+v", name, res)
		}
	}
	if authz.n.Load() != 0 {
		t.Fatal("permission evaluated for unknown tool")
	}
}
