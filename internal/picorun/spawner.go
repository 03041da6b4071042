package picorun

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/picotest/picotest/internal/fileutil"
	"github.com/picotest/picotest/internal/netutil"
	"github.com/picotest/picotest/internal/process"
	"github.com/picotest/picotest/internal/topology"
)

// DefaultBinary is the run tool looked up on PATH when no explicit path
// is configured.
const DefaultBinary = "picodata"

// manifestPollInterval paces the wait for the tool's startup manifest.
const manifestPollInterval = 50 * time.Millisecond

// manifestWaitTimeout bounds how long a freshly started process gets to
// write its manifest before the spawn is declared failed.
const manifestWaitTimeout = 30 * time.Second

// SpawnError identifies which instance of a multi-instance spawn failed.
// Instances before Index were started and must still be torn down by the
// caller.
type SpawnError struct {
	Index int
	Err   error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn instance %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Config carries everything a Runner needs to start instances. All paths
// are absolute.
type Config struct {
	// Binary is the run tool executable. Empty means DefaultBinary.
	Binary string
	// ClusterName names the cluster all instances join.
	ClusterName string
	// ClusterUUID is exported to each process environment.
	ClusterUUID string
	// TopologyDir contains topology.toml.
	TopologyDir string
	// DataDir is the per-run base directory; each instance gets a
	// subdirectory named after it.
	DataDir string
	// Host is the listen address for every port, typically 127.0.0.1.
	Host string
	// Env is appended to the inherited process environment, KEY=VALUE.
	Env []string
	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// Started is one successfully launched instance process.
type Started struct {
	Slot   topology.Slot
	Ports  netutil.Ports
	Dir    string
	Handle *process.Handle
}

// Runner spawns instance processes for one cluster.
type Runner struct {
	cfg Config
	log *slog.Logger
}

// NewRunner validates cfg and returns a Runner. Missing required fields
// panic; they are programmer errors, not runtime conditions.
func NewRunner(cfg Config) *Runner {
	if cfg.ClusterName == "" {
		panic("picorun: cluster name must not be empty")
	}
	if cfg.TopologyDir == "" || cfg.DataDir == "" {
		panic("picorun: topology and data directories must not be empty")
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, log: cfg.Logger}
}

// SpawnAll starts one process per slot, in slot order, using the port
// block to assign each instance its stride. On failure it returns the
// instances started so far together with a *SpawnError naming the failed
// ordinal, so the caller can reclaim what was created.
func (r *Runner) SpawnAll(ctx context.Context, slots []topology.Slot, block netutil.Block) ([]*Started, error) {
	peer := ""
	started := make([]*Started, 0, len(slots))
	for i, slot := range slots {
		ports := block.Instance(i)
		if peer == "" {
			peer = r.addr(ports.Binary)
		}
		inst, err := r.spawn(ctx, slot, ports, peer)
		if inst != nil {
			started = append(started, inst)
		}
		if err != nil {
			return started, &SpawnError{Index: i, Err: err}
		}
	}
	return started, nil
}

// spawn starts a single instance and waits for its startup manifest. A
// non-nil Started is returned even when the manifest check fails, so the
// process can still be stopped.
func (r *Runner) spawn(ctx context.Context, slot topology.Slot, ports netutil.Ports, peer string) (*Started, error) {
	dir := filepath.Join(r.cfg.DataDir, slot.Name)
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	// Lifecycle is owned by the Handle, so no CommandContext here; ctx
	// only bounds the manifest wait below.
	cmd := exec.Command(r.cfg.Binary, r.args(slot, ports, peer, dir)...)
	cmd.Env = append(os.Environ(),
		"PICODATA_CLUSTER_UUID="+r.cfg.ClusterUUID,
	)
	cmd.Env = append(cmd.Env, r.cfg.Env...)

	h := process.NewHandle(slot.Name, r.log)
	if err := h.Start(cmd, dir); err != nil {
		return nil, err
	}
	r.log.Info("instance process started",
		slog.String("instance", slot.Name),
		slog.String("tier", slot.Tier),
		slog.Int("pid", h.Pid()),
		slog.Int("binary_port", ports.Binary))

	inst := &Started{Slot: slot, Ports: ports, Dir: dir, Handle: h}
	if err := r.awaitManifest(ctx, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// args builds the run tool command line for one instance.
func (r *Runner) args(slot topology.Slot, ports netutil.Ports, peer, dir string) []string {
	return []string{
		"run",
		"--cluster-name", r.cfg.ClusterName,
		"--instance-name", slot.Name,
		"--tier", slot.Tier,
		"--config", filepath.Join(r.cfg.TopologyDir, topology.Filename),
		"--instance-dir", dir,
		"--listen", r.addr(ports.Binary),
		"--advertise", r.addr(ports.Binary),
		"--peer", peer,
		"--http-listen", r.addr(ports.HTTP),
		"--pg-listen", r.addr(ports.Pg),
		"--console-listen", r.addr(ports.Console),
	}
}

func (r *Runner) addr(port int) string {
	return net.JoinHostPort(r.cfg.Host, fmt.Sprintf("%d", port))
}
