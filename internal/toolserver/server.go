// Package toolserver exposes navigation and workflow management as MCP
// tools. Every call's arguments are validated against the tool's own input
// schema before the handler runs.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kingrea/flow/internal/navigator"
	"github.com/kingrea/flow/internal/workflow/store"
)

// Name and Version identify the server to MCP clients.
const Name = "flow"

var Version = "dev"

// Server hosts the flow tools.
type Server struct {
	mcp     *server.MCPServer
	nav     *navigator.Navigator
	defs    *store.Store
	logger  *slog.Logger
	schemas map[string]*jsonschema.Schema
	tools   map[string]server.ToolHandlerFunc

	// projectDir receives copied definitions; projectSource is reloaded after.
	projectDir    string
	projectSource string
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProjectDir sets where load_workflows copies definitions, and the store
// source to reload afterwards.
func WithProjectDir(dir, sourceName string) Option {
	return func(s *Server) {
		s.projectDir = dir
		s.projectSource = sourceName
	}
}

// New builds the server and registers every tool and resource.
func New(nav *navigator.Navigator, defs *store.Store, opts ...Option) (*Server, error) {
	s := &Server{
		nav:     nav,
		defs:    defs,
		logger:  slog.Default(),
		schemas: map[string]*jsonschema.Schema{},
		tools:   map[string]server.ToolHandlerFunc{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcp = server.NewMCPServer(
		Name,
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	s.registerResources()
	return s, nil
}

const instructions = `flow walks tasks through workflow graphs.
Call navigate with a task id (or a workflowId to start a new task). Report
passed or failed for the current step; the response says what to do next.
At a fork, dispatch every branch and report each outcome with branch+result.`

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over the given streams until ctx is done.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

// Serve serves MCP on the process's stdin and stdout.
func (s *Server) Serve(ctx context.Context) error {
	return s.ServeStdio(ctx, os.Stdin, os.Stdout)
}

// addTool registers a tool behind argument validation.
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) error {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("toolserver: %s schema: %w", tool.Name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("toolserver: %s schema: %w", tool.Name, err)
	}
	schema, err := compileSchema(tool.Name, params)
	if err != nil {
		return fmt.Errorf("toolserver: %s schema: %w", tool.Name, err)
	}
	s.schemas[tool.Name] = schema
	validated := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := getArgs(req)
		if err := validateArgs(schema, args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments for %s: %v", tool.Name, err)), nil
		}
		return handler(ctx, req)
	}
	s.tools[tool.Name] = validated
	s.mcp.AddTool(tool, validated)
	return nil
}

// Call runs a registered tool by name with argument validation, outside of
// any transport. The CLI uses it to share the tools' output format.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	handler, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("toolserver: unknown tool %q", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return handler(ctx, req)
}

// getArgs extracts arguments from request as map[string]any
func getArgs(request mcp.CallToolRequest) map[string]any {
	if args, ok := request.Params.Arguments.(map[string]any); ok && args != nil {
		return args
	}
	return make(map[string]any)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
