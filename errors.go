package picotest

import (
	"github.com/picotest/picotest/internal/binproto"
	"github.com/picotest/picotest/internal/console"
	"github.com/picotest/picotest/internal/core"
	"github.com/picotest/picotest/internal/migration"
	"github.com/picotest/picotest/internal/netutil"
	"github.com/picotest/picotest/internal/picorun"
	"github.com/picotest/picotest/internal/plugconf"
)

// Sentinel errors for error inspection with errors.Is.
// These are immutable constants safe for use in wrapped error chain comparison.
const (
	// ErrClusterClosed is returned by operations on a cluster after Close.
	ErrClusterClosed = core.ErrClusterClosed

	// ErrInstanceStopped is returned by operations against an instance
	// whose process is no longer running.
	ErrInstanceStopped = core.ErrInstanceStopped

	// ErrUnknownInstance is returned by Cluster.StopInstance for an
	// instance that belongs to a different cluster.
	ErrUnknownInstance = core.ErrUnknownInstance

	// ErrReadinessTimeout is returned by RunCluster when the shared
	// readiness deadline expires before every instance answered.
	ErrReadinessTimeout = core.ErrReadinessTimeout

	// ErrInvalidSpec is returned by RunCluster for an unusable topology
	// or option combination.
	ErrInvalidSpec = core.ErrInvalidSpec

	// ErrUnreachable is returned by admin console operations when the
	// console port cannot be reached.
	ErrUnreachable = console.ErrUnreachable

	// ErrProtocol is returned when an admin console response cannot be
	// parsed.
	ErrProtocol = console.ErrProtocol

	// ErrQueryFailed is returned when the admin console reports a
	// non-success status; the wrapped message carries the console's own
	// description.
	ErrQueryFailed = console.ErrQueryFailed

	// ErrRPCUnreachable is returned by ExecuteRPC when the binary
	// protocol port cannot be reached.
	ErrRPCUnreachable = binproto.ErrUnreachable

	// ErrCodec is returned by ExecuteRPC on a request/response
	// serialization mismatch.
	ErrCodec = binproto.ErrCodec

	// ErrConfigRejected is returned by ApplyConfig when the cluster
	// refuses a configuration statement.
	ErrConfigRejected = plugconf.ErrConfigRejected

	// ErrMigrationFailed is returned by ApplyMigrations when the
	// cluster rejects a migration statement.
	ErrMigrationFailed = migration.ErrMigrationFailed
)

// ErrPortsExhausted is returned by RunCluster when no contiguous port
// block of the required size is free.
var ErrPortsExhausted = netutil.ErrPortsExhausted

// RemoteError is an application-level failure reported by an RPC
// endpoint: the roundtrip succeeded but the plugin rejected the call.
type RemoteError = binproto.RemoteError

// SpawnError identifies which instance of a failed spawn could not be
// started.
type SpawnError = picorun.SpawnError
