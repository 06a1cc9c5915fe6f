//go:build mcp

package mcpserver

import (
	"context"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type Server struct {
	srv *mcp.Server
}

// New registers every tool of the bridge on a fresh MCP server.
func New(b *Bridge, version string) *Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "clinic-assist", Version: version}, nil)
	for _, def := range b.Definitions() {
		name := string(def.Name)
		srv.AddTool(&mcp.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: def.Schema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			res := b.Call(ctx, name, req.Params.Arguments)
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: Text(res)}},
				IsError: !res.Success,
			}, nil
		})
	}
	return &Server{srv: srv}
}

// Run serves over stdio until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves one session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}
