// Package pkg provides shared utilities for the softuhci transfer engine.
//
// This package contains common functionality used by every layer of the
// engine, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and engine errors
//   - The [TransferResult] bit set decoded from descriptor status
//   - Contract-violation assertions ([Assertf])
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentSchedule, "controller started", "frames", 1024)
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Reset the endpoint before retrying
//	}
//
// Contract violations (freeing untracked memory, removing a periodic request
// twice) are not errors: [Assertf] logs them and panics with a
// github.com/cockroachdb/errors assertion failure.
package pkg
