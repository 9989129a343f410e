package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/symbolicai/demoflow/internal/catalog"
	"github.com/symbolicai/demoflow/internal/ctxutil"
	"github.com/symbolicai/demoflow/internal/model"
)

const (
	catalogURI     = "demoflow://demos"
	runURIPrefix   = "demoflow://runs/"
	runURITemplate = runURIPrefix + "{run_id}"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			catalogURI,
			"Demo Catalog",
			mcplib.WithResourceDescription("Every demo type with its timeout and availability"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCatalog,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURITemplate,
			"Demo Run",
			mcplib.WithTemplateDescription("Current status and output of one of your demo runs"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRun,
	)
}

func (s *Server) handleCatalog(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	cards := make([]model.DemoCard, 0)
	for _, d := range catalog.List() {
		cards = append(cards, d.Card())
	}
	data, err := json.MarshalIndent(map[string]any{"demos": cards}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal catalog: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      catalogURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRun(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, ok := ctxutil.Caller(ctx)
	if !ok {
		return nil, fmt.Errorf("mcp: authentication required")
	}

	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid run id in URI: %s", uri)
	}

	status, err := s.runs.Status(ctx, userID, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run status: %w", err)
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
