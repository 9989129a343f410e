package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/symbolicai/demoflow/internal/catalog"
	"github.com/symbolicai/demoflow/internal/ctxutil"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/service/demoruns"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("list_demos",
			mcplib.WithDescription(`List the demos in the catalog.

Locked demos are listed so you can mention them, but start_demo rejects them.
Pass persona to see only the demos offered to that audience.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("persona",
				mcplib.Description("Optional audience filter"),
				mcplib.Enum(model.PersonaSMB, model.PersonaExec, model.PersonaFreelancer, model.PersonaSolo),
			),
		),
		s.handleListDemos,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("start_demo",
			mcplib.WithDescription(`Start a demo run for the authenticated user.

The run is queued and handed to the automation engine; this call does not
wait for it. Poll get_demo_run_status with the returned id, or read the
demoflow://runs/{run_id} resource, until the status is succeeded, failed or cancelled.

Starts are rate limited per user. Use the demo-input prompt to get
a valid input_data example for a demo.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("demo_id",
				mcplib.Description("Catalog id of the demo, as returned by list_demos"),
				mcplib.Required(),
			),
			mcplib.WithString("input_data",
				mcplib.Description("The demo's input payload as a JSON object string"),
			),
			mcplib.WithNumber("timeout",
				mcplib.Description("Run timeout in seconds"),
				mcplib.Min(30),
				mcplib.Max(300),
			),
			mcplib.WithString("priority",
				mcplib.Description("Scheduling hint passed to the engine"),
				mcplib.Enum(string(model.PriorityLow), string(model.PriorityNormal), string(model.PriorityHigh)),
			),
		),
		s.handleStartDemo,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_demo_run_status",
			mcplib.WithDescription("Get the current status and output of one of your demo runs."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Run id returned by start_demo"),
				mcplib.Required(),
			),
		),
		s.handleRunStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_latest_run",
			mcplib.WithDescription("Find your most recent demo run, optionally for a single demo."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("demo_id",
				mcplib.Description("Optional catalog id to restrict the lookup to"),
			),
		),
		s.handleLatestRun,
	)
}

func (s *Server) handleListDemos(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	persona := request.GetString("persona", "")
	if persona == "" {
		persona = ctxutil.ClaimsFromContext(ctx).Persona()
	}
	cards := make([]model.DemoCard, 0)
	for _, d := range catalog.List() {
		if persona != "" && !d.AllowsPersona(persona) {
			continue
		}
		cards = append(cards, d.Card())
	}
	return jsonResult(map[string]any{"demos": cards})
}

func (s *Server) handleStartDemo(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, ok := ctxutil.Caller(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}

	demoID := request.GetString("demo_id", "")
	if demoID == "" {
		return errorResult("demo_id is required"), nil
	}

	var req model.StartRunRequest
	if raw := request.GetString("input_data", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return errorResult("input_data must be a JSON object"), nil
		}
		req.InputData = json.RawMessage(raw)
	}
	args := request.GetArguments()
	_, hasTimeout := args["timeout"]
	priority := request.GetString("priority", "")
	if hasTimeout || priority != "" {
		req.Options = &model.RunOptions{Priority: model.Priority(priority)}
		if hasTimeout {
			timeout := request.GetInt("timeout", 0)
			req.Options.Timeout = &timeout
		}
	}

	resp, err := s.runs.Start(ctx, userID, demoID, req)
	if err != nil {
		return s.serviceError("start_demo", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, ok := ctxutil.Caller(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	status, err := s.runs.Status(ctx, userID, runID)
	if err != nil {
		return s.serviceError("get_demo_run_status", err), nil
	}
	return jsonResult(status)
}

func (s *Server) handleLatestRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, ok := ctxutil.Caller(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}

	latest, err := s.runs.Latest(ctx, userID, request.GetString("demo_id", ""))
	if errors.Is(err, demoruns.ErrRunNotFound) {
		return errorResult(demoruns.NoLatestRunMessage), nil
	}
	if err != nil {
		return s.serviceError("get_latest_run", err), nil
	}
	return jsonResult(latest)
}

// serviceError turns a run service error into a tool error the agent can act on.
func (s *Server) serviceError(tool string, err error) *mcplib.CallToolResult {
	var verr *catalog.ValidationError
	switch {
	case errors.Is(err, demoruns.ErrRateLimited):
		return errorResult("rate limit exceeded; try again later")
	case errors.Is(err, demoruns.ErrUnknownDemo):
		return errorResult("unknown or locked demo id; call list_demos for valid ids")
	case errors.As(err, &verr):
		return errorResult(verr.Error())
	case errors.Is(err, demoruns.ErrRunNotFound):
		return errorResult("demo run not found")
	case errors.Is(err, demoruns.ErrDispatch):
		return errorResult("failed to initiate demo execution")
	default:
		s.logger.Error("mcp tool failed", "tool", tool, "error", err)
		return errorResult(fmt.Sprintf("%s failed", tool))
	}
}
