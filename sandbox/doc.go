// Package sandbox provides the process runners that execute tab sources.
//
// A Runner turns source text for one language into a running interpreter
// process. LocalRunner starts the interpreter on the host; ContainerRunner
// starts it with the docker or podman CLI, with the workspace mounted at
// /workdir. Each run owns a temporary workspace that is removed once the
// process has been reaped, on every exit path. Output from stdout and stderr
// is merged into a single bounded channel of chunks.
//
// The package also provides DenyList, a regular-expression filter applied to
// source text before a run. It is a heuristic that is easy to bypass and is
// not a security boundary; the runners here do not isolate the host.
//
// Usage:
//
//	runners, err := sandbox.NewRunners(logger, cfg)
//	runner, ok := runners.Lookup("python")
//	proc, err := runner.Start(ctx, "print('hi')")
//	for chunk := range proc.Output() {
//	    fmt.Print(string(chunk))
//	}
//	err = proc.Wait()
package sandbox
