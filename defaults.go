package picotest

import (
	"time"

	"github.com/picotest/picotest/internal/core"
	"github.com/picotest/picotest/internal/picorun"
)

// Default configuration values applied by RunCluster when the
// corresponding option is not given.
const (
	// DefaultReadyTimeout is the shared deadline for probing all
	// instances of one cluster.
	DefaultReadyTimeout = core.DefaultReadyTimeout

	// DefaultPollInterval paces the readiness probes.
	DefaultPollInterval = core.DefaultPollInterval

	// DefaultPicodataBinary is the run tool looked up on PATH.
	DefaultPicodataBinary = picorun.DefaultBinary
)

// compile-time check that the re-exported durations stay durations.
var _ time.Duration = DefaultReadyTimeout
