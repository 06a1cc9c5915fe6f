//go:build !mcp

package mcpserver

import (
	"context"
	"errors"
)

// ErrDisabled is returned when the binary was built without the mcp tag.
var ErrDisabled = errors.New("mcp server not enabled in this build (rebuild with -tags mcp)")

type Server struct{}

func New(_ *Bridge, _ string) *Server { return &Server{} }

// Run always fails without the mcp build tag.
func (s *Server) Run(_ context.Context) error { return ErrDisabled }
