package picotest

import (
	"log/slog"

	"github.com/picotest/picotest/internal/core"
)

// SetLogger replaces the package-level logger used by picotest.
// If l is nil, the logger resets to the default: slog.Default() with a
// "component" attribute, re-derived on the next use.
//
// SetLogger is safe to call concurrently with other picotest operations.
func SetLogger(l *slog.Logger) {
	core.SetLogger(l)
}

// Logger returns the current package-level logger.
func Logger() *slog.Logger {
	return core.Logger()
}
