package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/symbolicai/demoflow/internal/catalog"
)

func (s *Server) registerPrompts() {
	// demo-input: how to start one demo, with a payload that passes validation.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("demo-input",
			mcplib.WithPromptDescription("Explain a demo and give a valid input_data example for start_demo"),
			mcplib.WithArgument("demo_id",
				mcplib.ArgumentDescription("Catalog id of the demo"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDemoInputPrompt,
	)

	// run-workflow: the start-then-poll loop.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-workflow",
			mcplib.WithPromptDescription("System prompt snippet explaining how to run a demo to completion"),
		),
		s.handleRunWorkflowPrompt,
	)
}

func (s *Server) handleDemoInputPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	demoID := request.Params.Arguments["demo_id"]
	if demoID == "" {
		return nil, fmt.Errorf("demo_id argument is required")
	}
	demo, ok := catalog.Lookup(demoID)
	if !ok {
		return nil, fmt.Errorf("unknown demo id %q", demoID)
	}

	text := fmt.Sprintf("%s (%s): %s\n\nRuns time out after %d seconds unless you pass a timeout between 30 and 300.",
		demo.Name, demo.ID, demo.Description, demo.TimeoutSeconds)
	switch {
	case demo.Locked:
		text += "\n\nThis demo is locked and cannot be started yet."
	default:
		if example, ok := catalog.Example(demoID); ok {
			text += fmt.Sprintf("\n\nCall start_demo with demo_id=%q and input_data set to a JSON object like:\n%s", demoID, example)
		} else {
			text += fmt.Sprintf("\n\nCall start_demo with demo_id=%q. input_data is free-form.", demoID)
		}
	}

	return &mcplib.GetPromptResult{
		Description: "How to start " + demo.Name,
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}

const runWorkflowText = `You can run live demos of AI automations for the signed-in user.

1. Call list_demos to see what is available. Locked demos cannot be started.
2. Use the demo-input prompt to build input_data, then call start_demo.
3. start_demo returns immediately with a run id and status "queued".
4. Call get_demo_run_status with that id every few seconds. The run moves
   to "running" when the automation picks it up and ends as "succeeded",
   "failed" or "cancelled".
5. Report outputData on success, or errorMessage on failure.

Starts are rate limited per user, so do not retry a rejected start in a loop.`

func (s *Server) handleRunWorkflowPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Demo run workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: runWorkflowText},
			},
		},
	}, nil
}
