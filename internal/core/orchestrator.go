package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/picotest/picotest/internal/fileutil"
	"github.com/picotest/picotest/internal/netutil"
	"github.com/picotest/picotest/internal/picorun"
	"github.com/picotest/picotest/internal/plugconf"
	"github.com/picotest/picotest/internal/process"
	"github.com/picotest/picotest/internal/sentinel"
	"github.com/picotest/picotest/internal/topology"
)

// DefaultReadyTimeout is the shared deadline for probing all instances
// of one cluster.
const DefaultReadyTimeout = 60 * time.Second

// DefaultPollInterval paces the readiness probes.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultHost is the listen host for all instance ports.
const DefaultHost = "127.0.0.1"

// ErrReadinessTimeout is returned when the shared readiness deadline
// expires before every instance answered its probes.
const ErrReadinessTimeout = sentinel.Error("cluster readiness timeout")

// ErrInvalidSpec is returned when a Spec cannot be orchestrated as given.
const ErrInvalidSpec = sentinel.Error("invalid cluster spec")

// Spec is the immutable input of one orchestration call.
type Spec struct {
	// TopologyDir contains topology.toml. Empty means no file; the
	// topology then comes from Tiers or the single-node default.
	TopologyDir string
	// Tiers, when non-nil, overrides the tier layout with a plain
	// tier-to-instance-count mapping.
	Tiers map[string]int
	// ClusterName is generated from the run UUID when empty.
	ClusterName string
	// Binary is the run tool; empty means picorun.DefaultBinary.
	Binary string
	// BaseDataDir holds the per-run data directory. Empty means the
	// system temp dir.
	BaseDataDir string
	// ReadyTimeout bounds the whole probe phase. Zero means
	// DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// PollInterval paces probes. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// Env is appended to each instance's environment, KEY=VALUE.
	Env []string
	// Config, when non-nil, is applied to the cluster before the handle
	// is returned.
	Config plugconf.ConfigMap
	// ManifestPath, when set together with Config, switches the config
	// delivery to a manifest rewrite before spawn instead of console
	// statements after readiness. The manifest is restored on Close.
	ManifestPath string
	// MigrationsDir, when set, names a directory of NNNN_name.sql
	// migration files whose up sections run on the main instance once
	// the cluster is ready.
	MigrationsDir string
	// KeepData leaves the data directory behind on Close.
	KeepData bool
}

// spawner is the seam between orchestration and process creation.
type spawner interface {
	SpawnAll(ctx context.Context, slots []topology.Slot, block netutil.Block) ([]*picorun.Started, error)
}

// probeFunc checks one instance once. wantPlugins asks for plugin
// enablement on top of membership state.
type probeFunc func(ctx context.Context, inst *Instance, wantPlugins bool) (bool, error)

// Orchestrator builds ready clusters out of Specs. The zero value is not
// usable; construct with NewOrchestrator.
type Orchestrator struct {
	alloc      *netutil.Allocator
	newSpawner func(picorun.Config) spawner
	probe      probeFunc
	log        *slog.Logger
}

// NewOrchestrator returns an Orchestrator with the production wiring:
// ports leased from the shared temp-dir ledger, processes spawned through
// the run tool, readiness probed through the admin console.
func NewOrchestrator() *Orchestrator {
	log := Logger()
	return &Orchestrator{
		alloc: netutil.NewAllocator(os.TempDir(), log),
		newSpawner: func(cfg picorun.Config) spawner {
			return picorun.NewRunner(cfg)
		},
		probe: consoleProbe,
		log:   log,
	}
}

// consoleProbe is the production readiness check: the instance must
// report Online membership, and when plugins are deployed they must all
// be enabled.
func consoleProbe(ctx context.Context, inst *Instance, wantPlugins bool) (bool, error) {
	online, err := inst.Console().InstanceOnline(ctx)
	if err != nil || !online {
		return false, err
	}
	if !wantPlugins {
		return true, nil
	}
	return inst.Console().PluginsEnabled(ctx)
}

// Run orchestrates one cluster: validate, lease ports, spawn, probe all
// instances against one shared deadline, apply initial configuration,
// and return the ready handle. Any failure tears down everything that
// was created before the error propagates; Run never returns a partial
// cluster.
func (o *Orchestrator) Run(ctx context.Context, spec Spec) (*Cluster, error) {
	spec = withDefaults(spec)

	topo, err := resolveTopology(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	id := uuid.New()
	name := spec.ClusterName
	if name == "" {
		name = "picotest-" + shortID(id)
	}

	dataDir := filepath.Join(spec.BaseDataDir, "picotest-"+shortID(id))
	if err := fileutil.EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// The run tool reads the topology from a file. When the effective
	// topology did not come from a caller-provided file, render it into
	// the run directory and point the tool there.
	topoDir := spec.TopologyDir
	if topoDir == "" || spec.Tiers != nil {
		if err := topo.WriteFile(dataDir); err != nil {
			_ = os.RemoveAll(dataDir)
			return nil, err
		}
		topoDir = dataDir
	}

	manifestPath := ""
	if spec.Config != nil && spec.ManifestPath != "" {
		if err := plugconf.Backup(spec.ManifestPath); err != nil {
			_ = os.RemoveAll(dataDir)
			return nil, err
		}
		if err := plugconf.Rewrite(spec.ManifestPath, spec.Config); err != nil {
			_ = plugconf.Restore(spec.ManifestPath)
			_ = os.RemoveAll(dataDir)
			return nil, err
		}
		manifestPath = spec.ManifestPath
	}

	lease, err := o.alloc.Acquire(ctx, topo.InstanceCount())
	if err != nil {
		if manifestPath != "" {
			_ = plugconf.Restore(manifestPath)
		}
		_ = os.RemoveAll(dataDir)
		return nil, fmt.Errorf("lease ports: %w", err)
	}

	cluster := &Cluster{
		id:           id,
		name:         name,
		topo:         topo,
		topologyDir:  topoDir,
		dataDir:      dataDir,
		keepData:     spec.KeepData,
		manifestPath: manifestPath,
		lease:        lease,
		log:          o.log.With(slog.String("cluster", name)),
	}

	runner := o.newSpawner(picorun.Config{
		Binary:      spec.Binary,
		ClusterName: name,
		ClusterUUID: id.String(),
		TopologyDir: topoDir,
		DataDir:     dataDir,
		Host:        DefaultHost,
		Env:         append(renderEnv(topo.Env), spec.Env...),
		Logger:      cluster.log,
	})

	started, spawnErr := runner.SpawnAll(ctx, topo.Slots(), lease.Block)
	for _, s := range started {
		cluster.instances = append(cluster.instances,
			newInstance(s.Slot, DefaultHost, s.Ports, s.Dir, s.Handle, cluster.log))
	}
	if spawnErr != nil {
		o.abort(cluster)
		return nil, fmt.Errorf("spawn cluster %s: %w", name, spawnErr)
	}

	if err := o.probeAll(ctx, spec, cluster); err != nil {
		o.abort(cluster)
		return nil, err
	}

	if spec.Config != nil && manifestPath == "" {
		if err := cluster.ApplyConfig(ctx, spec.Config); err != nil {
			o.abort(cluster)
			return nil, fmt.Errorf("initial configuration: %w", err)
		}
	}

	if spec.MigrationsDir != "" {
		if err := cluster.ApplyMigrations(ctx, spec.MigrationsDir); err != nil {
			o.abort(cluster)
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	cluster.log.Info("cluster ready",
		slog.String("uuid", id.String()),
		slog.Int("instances", len(cluster.instances)))
	return cluster, nil
}

// probeAll drives the readiness probes for every instance in parallel
// against one shared deadline. Probe failures are independent: a stuck
// instance does not cancel its siblings, only the deadline does.
func (o *Orchestrator) probeAll(ctx context.Context, spec Spec, cluster *Cluster) error {
	probeCtx, cancel := context.WithTimeout(ctx, spec.ReadyTimeout)
	defer cancel()

	wantPlugins := len(cluster.topo.Plugins) > 0

	var g errgroup.Group
	for _, inst := range cluster.instances {
		inst := inst
		g.Go(func() error {
			err := process.WaitReady(probeCtx, process.WaitReadyConfig{
				Interval: spec.PollInterval,
				Name:     inst.Name(),
				Logger:   cluster.log,
				Exited:   inst.handle.Exited(),
			}, func(ctx context.Context, _ int) (bool, error) {
				return o.probe(ctx, inst, wantPlugins)
			})
			if err != nil {
				inst.markFailed()
				return fmt.Errorf("instance %s: %w", inst.Name(), err)
			}
			inst.markReady()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, process.ErrProcessExited) {
			return err
		}
		// The probe error itself may be anything the expiring deadline
		// cut short (a conn read timeout, a reset); what the caller
		// must see is that the shared deadline ran out.
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrReadinessTimeout, spec.ReadyTimeout, err)
		}
		return err
	}
	return nil
}

// abort tears down a partially constructed cluster. Close never
// escalates teardown errors, which is exactly what the error path needs.
func (o *Orchestrator) abort(cluster *Cluster) {
	_ = cluster.Close()
}

// withDefaults fills the zero-valued Spec fields.
func withDefaults(spec Spec) Spec {
	if spec.ReadyTimeout <= 0 {
		spec.ReadyTimeout = DefaultReadyTimeout
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = DefaultPollInterval
	}
	if spec.BaseDataDir == "" {
		spec.BaseDataDir = os.TempDir()
	}
	return spec
}

// resolveTopology derives the effective topology: an explicit tier
// mapping wins, then a topology file, then the single-node default.
func resolveTopology(spec Spec) (topology.Topology, error) {
	var topo topology.Topology
	switch {
	case spec.Tiers != nil:
		topo = topology.FromTierCounts(spec.Tiers)
	case spec.TopologyDir != "":
		t, err := topology.ParseFile(spec.TopologyDir)
		if err != nil {
			return topology.Topology{}, err
		}
		topo = t
	default:
		topo = topology.Default()
	}
	if err := topo.Validate(); err != nil {
		return topology.Topology{}, err
	}
	return topo, nil
}

// renderEnv flattens a topology env mapping into KEY=VALUE pairs in
// stable order.
func renderEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// shortID is the compact run id used in names and paths.
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
