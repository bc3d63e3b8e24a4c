package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const workflowURIPrefix = "flow://workflows/"

func (s *Server) registerResources() {
	index := mcp.NewResource("flow://workflows", "workflows",
		mcp.WithResourceDescription("Summaries of every loaded workflow"),
		mcp.WithMIMEType("application/json"),
	)
	s.mcp.AddResource(index, s.handleWorkflowIndex)

	tmpl := mcp.NewResourceTemplate(workflowURIPrefix+"{id}", "workflow",
		mcp.WithTemplateDescription("One workflow definition as JSON"),
		mcp.WithTemplateMIMEType("application/json"),
	)
	s.mcp.AddResourceTemplate(tmpl, s.handleWorkflowResource)
}

func (s *Server) handleWorkflowIndex(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(s.defs.List(""), "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      req.Params.URI,
		MIMEType: "application/json",
		Text:     string(data),
	}}, nil
}

func (s *Server) handleWorkflowResource(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(req.Params.URI, workflowURIPrefix)
	if id == "" || id == req.Params.URI {
		return nil, fmt.Errorf("toolserver: bad workflow uri %q", req.Params.URI)
	}
	def, err := s.defs.Resolve(id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      req.Params.URI,
		MIMEType: "application/json",
		Text:     string(data),
	}}, nil
}
