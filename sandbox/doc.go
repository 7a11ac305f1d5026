// Package sandbox builds and runs untrusted submissions in isolated
// environments.
//
// Engine implements Backend on top of a Runtime. Each grade gets a root
// directory holding the box (source and build output), the generated
// scripts, and an io directory. The build runs once in its own short-lived
// container with its own memory and process limits. The box is then sealed
// and a second container, which mounts the box and scripts read-only, runs
// the program any number of times against different stdins. Every run gets
// a fresh io directory as its HOME, and the host reads results from it
// without following links. Each run is measured and classified into a
// grade.Status. Three runtimes are provided: Docker through the Engine
// API, podman (or any docker-compatible CLI) through a CommandRunner, and
// an unisolated local runtime for development.
//
// Usage:
//
//	engine, err := sandbox.NewFromConfig(logger, cfg)
//	cc, err := engine.PrepareCompilation(ctx, sandbox.Request{...})
//	defer engine.CleanupCompilation(ctx, cc)
//	res, err := engine.ExecuteWithCompiledCode(ctx, cc, "2 3\n", "5\n")
package sandbox
