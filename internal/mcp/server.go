package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/triageflow/internal/config"
	"github.com/ignatij/triageflow/internal/log"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "triageflow"
	serverVersion = "1.0.0"
)

// getArgs extracts arguments from request as map[string]any
func getArgs(request mcp.CallToolRequest) map[string]any {
	if args, ok := request.Params.Arguments.(map[string]any); ok {
		return args
	}
	return make(map[string]any)
}

// Server exposes workflow execution and query validation as MCP tools.
type Server struct {
	mcpServer       *server.MCPServer
	svc             *service.WorkflowService
	defaultDeadline time.Duration
}

func NewServer(svc *service.WorkflowService, defaultDeadline time.Duration) *Server {
	s := &Server{svc: svc, defaultDeadline: defaultDeadline}
	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	runTool := mcp.NewTool("run_workflow",
		mcp.WithDescription("Run a diagnostic workflow and return its report. Every query the workflow issues is validated and monitored."),
		mcp.WithString("workflow_yaml",
			mcp.Required(),
			mcp.Description("Workflow definition in YAML or JSON"),
		),
		mcp.WithString("context_json",
			mcp.Description("Optional JSON object merged over the workflow's default context"),
		),
		mcp.WithString("caller_id",
			mcp.Description("Identity the run is attributed to for rate limiting and audit"),
		),
		mcp.WithString("deadline",
			mcp.Description("Optional overall deadline, e.g. 2m"),
		),
	)
	s.mcpServer.AddTool(runTool, s.HandleRunWorkflow)

	validateTool := mcp.NewTool("validate_query",
		mcp.WithDescription("Check a query against the security policy without running it"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The query to check"),
		),
		mcp.WithString("mode",
			mcp.Description("'strict' stops at the first blocking violation, 'report' lists all of them"),
		),
	)
	s.mcpServer.AddTool(validateTool, s.HandleValidateQuery)
}

// Serve runs the server over stdio until the client disconnects.
func (s *Server) Serve() error {
	log.GetLogger().Infof("Starting triageflow MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) HandleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	raw, ok := args["workflow_yaml"].(string)
	if !ok || raw == "" {
		return mcp.NewToolResultError("workflow_yaml parameter is required"), nil
	}
	def, err := config.ParseWorkflow([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var input map[string]any
	if c, _ := args["context_json"].(string); c != "" {
		if err := json.Unmarshal([]byte(c), &input); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context_json must be a JSON object: %v", err)), nil
		}
	}

	deadline := s.defaultDeadline
	if d, _ := args["deadline"].(string); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil || parsed <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid deadline %q", d)), nil
		}
		deadline = parsed
	}
	var opts []service.RunOption
	if deadline > 0 {
		opts = append(opts, service.WithDeadline(deadline))
	}

	callerID, _ := args["caller_id"].(string)
	report, err := s.svc.RunDefinition(ctx, def, input, callerID, opts...)
	if err != nil {
		log.GetLogger().Errorf("MCP run of workflow %s failed: %v", def.ID, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) HandleValidateQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)

	query, ok := args["query"].(string)
	if !ok {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	modeArg, _ := args["mode"].(string)
	mode, err := security.ParseMode(modeArg)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	valid, violations := s.svc.ValidateQuery(query, mode)
	out, err := json.MarshalIndent(map[string]any{
		"valid":      valid,
		"mode":       mode.String(),
		"violations": violations,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}
