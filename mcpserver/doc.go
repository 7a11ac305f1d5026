// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the grading service as MCP tools using the
// mark3labs/mcp-go library:
//
//   - execute_code runs a submission once and returns its output
//   - submit_grade queues a grade and returns its token
//   - get_grade fetches a grade by token
//   - list_languages lists the active languages
//
// The server supports both stdio and streamable HTTP transports as
// configured by the mcp section of the application configuration.
//
// Usage:
//
//	server := mcpserver.New(cfg.MCP, logger, svc)
//	err := server.Start(ctx)
package mcpserver
