// Package pkg provides shared utilities for the softudc transfer engine.
//
// This package contains common functionality used by the engine core, the
// hardware back-ends and the simulator, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the engine's error taxonomy
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentWorker, "setup handled", "stage", "DataIn")
//
// Per-packet output from the interrupt path is logged at [LevelTrace].
//
// # Errors
//
// Every recoverable condition is a sentinel value:
//
//	if errors.Is(n.Err, pkg.ErrAborted) {
//	    // request was cancelled by DequeueAll or SETUP preemption
//	}
package pkg
