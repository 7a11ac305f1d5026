// Package config provides application configuration management.
//
// The config package loads the grader's configuration from a YAML file,
// a .env file and CODEGRADER_* environment variables, in increasing order
// of precedence, and validates it. It covers the HTTP server, logging,
// sandbox backend, constraint limits, feature flags, worker pool, queue,
// store, progress notifier and MCP tool server.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
