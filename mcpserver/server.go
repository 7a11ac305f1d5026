package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/config"
	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/service"
)

// MCPServer represents the MCP server
type MCPServer struct {
	cfg       config.MCPConfig
	logger    *zap.Logger
	svc       *service.Service
	mcpServer *server.MCPServer
	http      *server.StreamableHTTPServer
}

// New creates a new MCPServer with the grading tools registered.
func New(cfg config.MCPConfig, logger *zap.Logger, svc *service.Service) *MCPServer {
	s := &MCPServer{
		cfg:    cfg,
		logger: logger,
		svc:    svc,
	}

	s.mcpServer = server.NewMCPServer("codegrader", "1.0.0", server.WithToolCapabilities(false))

	s.mcpServer.AddTool(mcp.NewTool("execute_code",
		mcp.WithDescription("Compile and run source code once in the sandbox and return its output without storing a grade"),
		mcp.WithString("source_code", mcp.Required(), mcp.Description("Program source")),
		mcp.WithNumber("language_id", mcp.Required(), mcp.Description("Language id, see list_languages")),
		mcp.WithString("stdin", mcp.Description("Standard input")),
		mcp.WithString("expected_output", mcp.Description("Output to compare against")),
	), s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.NewTool("submit_grade",
		mcp.WithDescription("Queue a submission for grading and return its token"),
		mcp.WithString("source_code", mcp.Required(), mcp.Description("Program source")),
		mcp.WithNumber("language_id", mcp.Required(), mcp.Description("Language id, see list_languages")),
		mcp.WithNumber("problem_id", mcp.Description("Problem to grade against; omit for a plain submission")),
		mcp.WithString("stdin", mcp.Description("Standard input of a plain submission")),
		mcp.WithString("expected_output", mcp.Description("Expected output of a plain submission")),
		mcp.WithString("user_id", mcp.Description("Owner of the grade")),
	), s.handleSubmitGrade)

	s.mcpServer.AddTool(mcp.NewTool("get_grade",
		mcp.WithDescription("Fetch a grade by token"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Grade token")),
		mcp.WithString("user_id", mcp.Description("Requester identity for owned grades")),
	), s.handleGetGrade)

	s.mcpServer.AddTool(mcp.NewTool("list_languages",
		mcp.WithDescription("List the languages accepting submissions"),
	), s.handleListLanguages)

	return s
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("source_code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	languageID, err := request.RequireInt("language_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("code execution requested", zap.Int("language_id", languageID))
	res, err := s.svc.Execute(ctx, service.Submission{
		SourceCode:     code,
		LanguageID:     languageID,
		Stdin:          request.GetString("stdin", ""),
		ExpectedOutput: request.GetString("expected_output", ""),
	})
	if err != nil {
		s.logger.Warn("code execution failed", zap.Int("language_id", languageID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.Int("language_id", languageID),
		zap.Stringer("status", res.Status),
		zap.Int("stdout_len", len(res.Stdout)),
		zap.Int("stderr_len", len(res.Stderr)))

	return jsonResult(map[string]any{
		"status":         res.Status,
		"stdout":         res.Stdout,
		"stderr":         res.Stderr,
		"compile_output": res.CompileOutput,
		"message":        res.Message,
		"time":           res.Metrics.Time,
		"wall_time":      res.Metrics.WallTime,
		"memory":         res.Metrics.Memory,
		"exit_code":      res.Metrics.ExitCode,
	})
}

func (s *MCPServer) handleSubmitGrade(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("source_code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	languageID, err := request.RequireInt("language_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sub := service.Submission{
		SourceCode:     code,
		LanguageID:     languageID,
		UserID:         optionalString(request, "user_id"),
		Stdin:          request.GetString("stdin", ""),
		ExpectedOutput: request.GetString("expected_output", ""),
	}
	if id := request.GetInt("problem_id", 0); id > 0 {
		sub.ProblemID = grade.Ptr(int64(id))
	}

	g, err := s.svc.Create(ctx, sub)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"token": g.Token})
}

func (s *MCPServer) handleGetGrade(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := request.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	g, err := s.svc.Get(ctx, token, optionalString(request, "user_id"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(g)
}

func (s *MCPServer) handleListLanguages(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Languages(false))
}

func optionalString(request mcp.CallToolRequest, key string) *string {
	if v := request.GetString(key, ""); v != "" {
		return &v
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// ServeStdio serves on stdin/stdout until the input closes.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Start serves the configured transport in the background.
func (s *MCPServer) Start(context.Context) error {
	if s.cfg.Transport == "stdio" {
		go func() {
			if err := s.ServeStdio(); err != nil {
				s.logger.Error("MCP stdio server stopped", zap.Error(err))
			}
		}()
		return nil
	}

	s.http = server.NewStreamableHTTPServer(s.mcpServer)
	s.logger.Info("starting MCP server on HTTP", zap.String("address", s.cfg.Address))
	go func() {
		if err := s.http.Start(s.cfg.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the HTTP transport down.
func (s *MCPServer) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
