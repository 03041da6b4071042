package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"github.com/picotest/picotest/internal/binproto"
	"github.com/picotest/picotest/internal/console"
	"github.com/picotest/picotest/internal/netutil"
	"github.com/picotest/picotest/internal/process"
	"github.com/picotest/picotest/internal/sentinel"
	"github.com/picotest/picotest/internal/topology"
)

// InstanceState is the lifecycle state of one instance.
type InstanceState uint32

const (
	// StateStarting is the state from spawn until the readiness probe
	// succeeds.
	StateStarting InstanceState = iota
	// StateReady means the instance answered its readiness probes.
	StateReady
	// StateStopped means the instance's process was terminated through
	// teardown or StopInstance.
	StateStopped
	// StateFailed means the instance never became ready or crashed.
	StateFailed
)

// String returns the state name for logs and errors.
func (s InstanceState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// ErrInstanceStopped is returned by operations against an instance whose
// process is no longer running.
const ErrInstanceStopped = sentinel.Error("instance is stopped")

// Instance is one running member of a cluster. Identity, ports and
// directory are fixed at spawn time; only the state field changes, and
// only through the orchestrator (to Ready/Failed) and the teardown path
// (to Stopped).
type Instance struct {
	ordinal int
	name    string
	tier    string
	host    string
	ports   netutil.Ports
	dir     string

	handle  *process.Handle
	console *console.Client
	rpc     *binproto.Client

	state atomic.Uint32

	log *slog.Logger
}

// newInstance wraps one spawned process as a cluster member in state
// Starting.
func newInstance(slot topology.Slot, host string, ports netutil.Ports, dir string, handle *process.Handle, log *slog.Logger) *Instance {
	return &Instance{
		ordinal: slot.Ordinal,
		name:    slot.Name,
		tier:    slot.Tier,
		host:    host,
		ports:   ports,
		dir:     dir,
		handle:  handle,
		console: console.New(host, ports.Console, log),
		rpc:     binproto.New(host, ports.Binary, log),
		log:     log.With(slog.String("instance", slot.Name)),
	}
}

// Ordinal returns the spawn-order index; 0 is the main instance.
func (i *Instance) Ordinal() int { return i.ordinal }

// Name returns the instance name, unique within the cluster.
func (i *Instance) Name() string { return i.name }

// Tier returns the tier this instance belongs to.
func (i *Instance) Tier() string { return i.tier }

// Host returns the listen host shared by all the instance's ports.
func (i *Instance) Host() string { return i.host }

// Ports returns the instance's port set.
func (i *Instance) Ports() netutil.Ports { return i.ports }

// Dir returns the instance's data directory, which also holds its
// stdout/stderr logs.
func (i *Instance) Dir() string { return i.dir }

// Pid returns the process id, or 0 when the process is gone.
func (i *Instance) Pid() int {
	if i.handle == nil {
		return 0
	}
	return i.handle.Pid()
}

// State returns the current lifecycle state.
func (i *Instance) State() InstanceState {
	return InstanceState(i.state.Load())
}

// Console returns the instance's admin console client.
func (i *Instance) Console() *console.Client { return i.console }

// RPC returns the instance's binary protocol client.
func (i *Instance) RPC() *binproto.Client { return i.rpc }

// markReady transitions Starting → Ready. Any other current state is
// left alone: a teardown racing with a late probe success must win.
func (i *Instance) markReady() bool {
	return i.state.CompareAndSwap(uint32(StateStarting), uint32(StateReady))
}

// markFailed transitions Starting → Failed.
func (i *Instance) markFailed() bool {
	return i.state.CompareAndSwap(uint32(StateStarting), uint32(StateFailed))
}

// markStopped records that the process was terminated. Failed instances
// keep their state; everything else becomes Stopped.
func (i *Instance) markStopped() {
	for {
		cur := i.state.Load()
		if cur == uint32(StateFailed) || cur == uint32(StateStopped) {
			return
		}
		if i.state.CompareAndSwap(cur, uint32(StateStopped)) {
			return
		}
	}
}

// stop terminates the instance's process. Safe to call from teardown
// and StopInstance concurrently: the handle serializes Stop, and the
// caller that loses the race returns nil without waiting.
func (i *Instance) stop() error {
	i.markStopped()
	if i.handle == nil {
		return nil
	}
	return i.handle.Stop(process.DefaultStopTimeout)
}

// DefaultPgUser is the pg-protocol login used by SQLConnect.
const DefaultPgUser = "postgres"

// DefaultPgPassword is the pg-protocol password used by SQLConnect.
const DefaultPgPassword = "Passw0rd"

// alive reports whether operations may still target this instance.
func (i *Instance) alive() bool {
	s := i.State()
	return s == StateStarting || s == StateReady
}

// RunQuery executes row-returning query text on the instance's admin
// console.
func (i *Instance) RunQuery(ctx context.Context, text string) (console.RowSet, error) {
	if !i.alive() {
		return console.RowSet{}, fmt.Errorf("run query on %s: %w", i.name, ErrInstanceStopped)
	}
	return i.console.RunQuery(ctx, text)
}

// RunScript executes script text on the instance's admin console and
// returns the raw output with console framing stripped.
func (i *Instance) RunScript(ctx context.Context, text string) (string, error) {
	if !i.alive() {
		return "", fmt.Errorf("run script on %s: %w", i.name, ErrInstanceStopped)
	}
	return i.console.RunScript(ctx, text)
}

// PgConnString builds a pg-protocol connection string for the instance.
func (i *Instance) PgConnString(user, password string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s", i.host, i.ports.Pg, user, password)
}

// SQLConnect opens a pg-protocol connection to the instance using the
// default credentials. The caller owns the connection and must close it.
func (i *Instance) SQLConnect(ctx context.Context) (*pgx.Conn, error) {
	if !i.alive() {
		return nil, fmt.Errorf("sql connect to %s: %w", i.name, ErrInstanceStopped)
	}
	return pgx.Connect(ctx, i.PgConnString(DefaultPgUser, DefaultPgPassword))
}
