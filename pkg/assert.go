package pkg

import "github.com/cockroachdb/errors"

// Assertf reports a contract violation: it logs at error level and panics
// with an assertion failure. Contract violations mean hardware-visible state
// would be corrupted, so they are never returned as recoverable errors.
func Assertf(component Component, format string, args ...any) {
	err := errors.AssertionFailedWithDepthf(1, format, args...)
	LogError(component, "contract violation", "error", err)
	panic(err)
}

// IsAssertion reports whether v, typically a recovered panic value, is a
// contract violation raised by Assertf.
func IsAssertion(v any) bool {
	err, ok := v.(error)
	return ok && errors.IsAssertionFailure(err)
}
