// Package mcpserver exposes the tool registry to staff MCP clients. Every
// call goes through the dispatcher as a fixed staff caller, so schema
// validation still precedes the permission check.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wilhg/clinic-assist/pkg/dispatch"
	"github.com/wilhg/clinic-assist/pkg/permission"
	"github.com/wilhg/clinic-assist/pkg/tool"
)

// Bridge turns protocol tool calls into dispatcher calls.
type Bridge struct {
	d      *dispatch.Dispatcher
	caller permission.Caller
}

func NewBridge(d *dispatch.Dispatcher, caller permission.Caller) *Bridge {
	return &Bridge{d: d, caller: caller}
}

// Definitions lists the tools to advertise.
func (b *Bridge) Definitions() []tool.Definition { return b.d.Registry().Definitions() }

// Call dispatches one call. Malformed arguments are reported as a failed
// result, never as a protocol error.
func (b *Bridge) Call(ctx context.Context, name string, args json.RawMessage) tool.Result {
	params := map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &params); err != nil {
			return tool.Result{Success: false, Error: fmt.Sprintf("arguments for %s must be a JSON object", name)}
		}
	}
	return b.d.Dispatch(ctx, tool.Call{Tool: tool.Name(name), Params: params}, b.caller)
}

// Text renders a result as the single text content block of a reply.
func Text(res tool.Result) string {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(b)
}
