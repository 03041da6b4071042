package picotest

import (
	"context"
	"fmt"

	"github.com/picotest/picotest/internal/binproto"
	"github.com/picotest/picotest/internal/console"
	"github.com/picotest/picotest/internal/core"
	"github.com/picotest/picotest/internal/plugconf"
)

// Cluster is a running test cluster. Instance 0 is the main instance.
// Close is the teardown guard: idempotent, safe to defer, and it always
// runs to completion even when individual instances fail to stop.
type Cluster = core.Cluster

// Instance is one running cluster member. Its identity, ports and data
// directory are fixed at spawn time.
type Instance = core.Instance

// InstanceState is the lifecycle state of an Instance.
type InstanceState = core.InstanceState

// Instance lifecycle states.
const (
	StateStarting = core.StateStarting
	StateReady    = core.StateReady
	StateStopped  = core.StateStopped
	StateFailed   = core.StateFailed
)

// RowSet is the normalized result of an admin console query.
type RowSet = console.RowSet

// ConfigMap maps a service name to that service's key/value settings.
type ConfigMap = plugconf.ConfigMap

// RPCTarget names one plugin RPC endpoint.
type RPCTarget = binproto.Target

// RunCluster spawns the cluster described by the topology directory,
// waits until every instance is ready, and returns its handle. Any
// failure tears down whatever was created before the error propagates;
// RunCluster never returns a partial cluster.
//
// topologyDir may be empty when WithTiers supplies the layout; with
// neither, a single-instance cluster on the default tier is run.
func RunCluster(ctx context.Context, topologyDir string, opts ...ClusterOption) (*Cluster, error) {
	var cfg clusterConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	spec, err := cfg.spec(topologyDir)
	if err != nil {
		return nil, fmt.Errorf("run cluster: %w", err)
	}
	return core.NewOrchestrator().Run(ctx, spec)
}

// ExecuteRPC serializes req, invokes the named plugin endpoint on the
// instance over the binary protocol, and deserializes the typed
// response. A generic top-level function because methods cannot have
// type parameters.
func ExecuteRPC[Req, Resp any](ctx context.Context, inst *Instance, target RPCTarget, req Req) (Resp, error) {
	var zero Resp
	if s := inst.State(); s == StateStopped || s == StateFailed {
		return zero, fmt.Errorf("rpc to %s: %w", inst.Name(), ErrInstanceStopped)
	}
	return binproto.Execute[Req, Resp](ctx, inst.RPC(), target, req)
}
