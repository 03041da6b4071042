package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/picotest/picotest/internal/migration"
	"github.com/picotest/picotest/internal/netutil"
	"github.com/picotest/picotest/internal/plugconf"
	"github.com/picotest/picotest/internal/sentinel"
	"github.com/picotest/picotest/internal/topology"
)

// ErrClusterClosed is returned by operations on a cluster after Close.
const ErrClusterClosed = sentinel.Error("cluster is closed")

// ErrUnknownInstance is returned by StopInstance for an instance that
// does not belong to the cluster.
const ErrUnknownInstance = sentinel.Error("instance does not belong to this cluster")

// Cluster owns the ordered set of instances of one orchestration call.
// Instance 0 is the main instance. The instance slice is fixed at
// construction; instances transition state but are never added, removed
// or reordered.
type Cluster struct {
	id   uuid.UUID
	name string

	topo        topology.Topology
	topologyDir string
	dataDir     string
	keepData    bool

	// manifestPath, when non-empty, names a plugin manifest that was
	// rewritten for this run and must be restored on Close.
	manifestPath string

	instances []*Instance
	lease     *netutil.Lease

	closed    atomic.Bool
	closeOnce sync.Once

	log *slog.Logger
}

// UUID returns the cluster's run identity.
func (c *Cluster) UUID() uuid.UUID { return c.id }

// Name returns the cluster name shared by all instances.
func (c *Cluster) Name() string { return c.name }

// DataDir returns the per-run data directory holding all instance
// directories and logs.
func (c *Cluster) DataDir() string { return c.dataDir }

// Topology returns the topology this cluster was spawned from.
func (c *Cluster) Topology() topology.Topology { return c.topo }

// Main returns the main instance (ordinal 0).
func (c *Cluster) Main() *Instance {
	return c.instances[0]
}

// Instances returns the instances in spawn order. The returned slice is
// a copy; the set itself never changes.
func (c *Cluster) Instances() []*Instance {
	return append([]*Instance(nil), c.instances...)
}

// Closed reports whether Close has completed or is in progress.
func (c *Cluster) Closed() bool {
	return c.closed.Load()
}

// StopInstance terminates one instance's process without touching its
// siblings. The instance keeps its ports and registry slot; it is not
// respawned.
func (c *Cluster) StopInstance(inst *Instance) error {
	if c.Closed() {
		return ErrClusterClosed
	}
	if inst == nil {
		return ErrUnknownInstance
	}
	mine := false
	for _, i := range c.instances {
		if i == inst {
			mine = true
			break
		}
	}
	if !mine {
		return ErrUnknownInstance
	}

	c.log.Info("stopping instance", slog.String("instance", inst.Name()))
	return inst.stop()
}

// ApplyConfig pushes service configuration to the cluster through the
// main instance, one statement per key. The call returns only after the
// cluster confirmed every statement.
func (c *Cluster) ApplyConfig(ctx context.Context, cfg plugconf.ConfigMap) error {
	if c.Closed() {
		return ErrClusterClosed
	}
	name, version, err := c.pluginIdentity()
	if err != nil {
		return err
	}
	return plugconf.Apply(ctx, c.Main().Console(), name, version, cfg, c.log)
}

// ApplyMigrations parses the migration files in dir and runs their up
// sections on the main instance, in version order.
func (c *Cluster) ApplyMigrations(ctx context.Context, dir string) error {
	if c.Closed() {
		return ErrClusterClosed
	}
	migs, err := migration.ParseDir(dir)
	if err != nil {
		return err
	}
	return migration.Apply(ctx, c.Main().Console(), migs, c.migrationVars(migs), c.log)
}

// RevertMigrations runs the down sections of the migrations in dir, in
// reverse version order.
func (c *Cluster) RevertMigrations(ctx context.Context, dir string) error {
	if c.Closed() {
		return ErrClusterClosed
	}
	migs, err := migration.ParseDir(dir)
	if err != nil {
		return err
	}
	return migration.Revert(ctx, c.Main().Console(), migs, c.migrationVars(migs), c.log)
}

// migrationVars re-homes DDL tier variables onto the only tier when the
// cluster runs a single one, the way a collapsed unit-test topology
// needs. Multi-tier clusters leave the variables to the plugin's own
// migration context.
func (c *Cluster) migrationVars(migs migration.Migrations) map[string]string {
	if len(c.topo.Tiers) != 1 {
		return nil
	}
	for name := range c.topo.Tiers {
		return migration.TierOverrides(migs, name)
	}
	return nil
}

// pluginIdentity resolves the plugin targeted by configuration pushes.
func (c *Cluster) pluginIdentity() (name, version string, err error) {
	for _, n := range sortedPluginNames(c.topo) {
		p := c.topo.Plugins[n]
		v := p.Version
		if v == "" {
			v = topology.DefaultPluginVersion
		}
		return n, v, nil
	}
	return "", "", fmt.Errorf("topology declares no plugins to configure")
}

// Close is the teardown guard: it stops every instance, releases the
// port lease, restores a rewritten plugin manifest, and removes the data
// directory. Idempotent; per-instance failures are logged and never
// escalated, so teardown always runs to completion. Always returns nil;
// the error return keeps the call deferrable in the usual way.
func (c *Cluster) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.teardown()
	})
	return nil
}

// teardown reclaims everything the orchestration created, in reverse
// order of acquisition.
func (c *Cluster) teardown() {
	c.log.Info("tearing down cluster",
		slog.String("cluster", c.name),
		slog.Int("instances", len(c.instances)))

	for i := len(c.instances) - 1; i >= 0; i-- {
		inst := c.instances[i]
		if err := inst.stop(); err != nil {
			c.log.Error("instance stop failed",
				slog.String("instance", inst.Name()),
				slog.Any("error", err))
		}
	}

	if c.lease != nil {
		if err := c.lease.Release(context.Background()); err != nil {
			c.log.Error("port lease release failed", slog.Any("error", err))
		}
	}

	if c.manifestPath != "" {
		if err := plugconf.Restore(c.manifestPath); err != nil {
			c.log.Error("plugin manifest restore failed", slog.Any("error", err))
		}
	}

	if !c.keepData {
		if err := os.RemoveAll(c.dataDir); err != nil {
			c.log.Error("data dir removal failed",
				slog.String("dir", c.dataDir),
				slog.Any("error", err))
		}
	}
}

// sortedPluginNames returns the topology's plugin names in stable order.
func sortedPluginNames(t topology.Topology) []string {
	names := make([]string, 0, len(t.Plugins))
	for n := range t.Plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
