// Package supervisor owns the lifecycle of tab executions.
//
// Each execution is identified by a Key (room, tab). A Supervisor keeps at
// most one live process per key: a new Run always terminates the previous
// one first. Output is accumulated per run and published, in arrival order,
// as the full text so far. A run ends in one of three terminal states:
//
//   - Completed: the process exited on its own
//   - Killed: it was stopped, preempted, timed out or exceeded the output cap
//   - Errored: the runner failed to start it or waiting on it failed
//
// Once a key has been evicted, any further output from its old process is
// discarded.
//
// Usage:
//
//	sup := supervisor.New(logger, runners, sink, supervisor.Options{
//	    MaxOutputBytes: 128 * 1024,
//	})
//	sup.Run(supervisor.Request{
//	    Key:      supervisor.Key{Room: "lobby", Tab: "tab-1"},
//	    Owner:    connID,
//	    Language: "python",
//	    Source:   "print('hi')",
//	})
package supervisor
