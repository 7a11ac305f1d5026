// Package main is the entry point for the codegrader server.
//
// The server accepts source code submissions over HTTP, grades them in
// isolated sandboxes against either caller supplied input or a stored
// problem's test cases, and streams progress to subscribers over SSE and
// WebSocket. An optional MCP endpoint exposes the same service as tools.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// urfave/cli for the command line.
package main
