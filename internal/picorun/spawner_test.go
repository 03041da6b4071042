package picorun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/picotest/picotest/internal/netutil"
	"github.com/picotest/picotest/internal/process"
	"github.com/picotest/picotest/internal/topology"
)

// fakeRunTool is a stand-in run tool: it writes the startup manifest
// into the instance directory and then idles like a real server would.
const fakeRunTool = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
	--instance-name) name=$2; shift 2 ;;
	--instance-dir) dir=$2; shift 2 ;;
	--listen) listen=$2; shift 2 ;;
	--http-listen) http=$2; shift 2 ;;
	--pg-listen) pg=$2; shift 2 ;;
	--console-listen) console=$2; shift 2 ;;
	*) shift ;;
	esac
done
cat > "$dir/instance.json" <<JSON
{"name":"$name","pid":$$,"ports":{"binary":${listen##*:},"http":${http##*:},"pg":${pg##*:},"console":${console##*:}}}
JSON
exec sleep 300
`

// crashingRunTool exits before producing a manifest.
const crashingRunTool = `#!/bin/sh
echo "cannot bind listener" >&2
exit 1
`

// silentRunTool idles without ever producing a manifest.
const silentRunTool = `#!/bin/sh
exec sleep 300
`

func writeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "picodata")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRunner(t *testing.T, script string) (*Runner, string) {
	t.Helper()
	dataDir := t.TempDir()
	topoDir := t.TempDir()
	r := NewRunner(Config{
		Binary:      writeTool(t, script),
		ClusterName: "testcluster",
		ClusterUUID: "00000000-0000-0000-0000-000000000000",
		TopologyDir: topoDir,
		DataDir:     dataDir,
	})
	return r, dataDir
}

func stopAll(t *testing.T, started []*Started) {
	t.Helper()
	for _, inst := range started {
		if err := inst.Handle.Stop(process.DefaultStopTimeout); err != nil {
			t.Errorf("stop %s: %v", inst.Slot.Name, err)
		}
	}
}

func TestSpawnAll(t *testing.T) {
	t.Parallel()

	r, dataDir := newTestRunner(t, fakeRunTool)
	slots := topology.FromTierCounts(map[string]int{topology.DefaultTier: 2}).Slots()
	block := netutil.Block{Base: 4000, Count: len(slots) * netutil.PortsPerInstance}

	started, err := r.SpawnAll(context.Background(), slots, block)
	defer stopAll(t, started)
	if err != nil {
		t.Fatalf("SpawnAll() error: %v", err)
	}
	if len(started) != 2 {
		t.Fatalf("started %d instances, want 2", len(started))
	}

	for i, inst := range started {
		if inst.Slot.Name != slots[i].Name {
			t.Errorf("instance %d name = %q, want %q", i, inst.Slot.Name, slots[i].Name)
		}
		if inst.Handle.Pid() == 0 {
			t.Errorf("instance %d has no pid", i)
		}
		if want := 4000 + i*netutil.PortsPerInstance; inst.Ports.Binary != want {
			t.Errorf("instance %d binary port = %d, want %d", i, inst.Ports.Binary, want)
		}
		if inst.Dir != filepath.Join(dataDir, slots[i].Name) {
			t.Errorf("instance %d dir = %q", i, inst.Dir)
		}
		if _, err := os.Stat(filepath.Join(inst.Dir, ManifestFilename)); err != nil {
			t.Errorf("instance %d manifest: %v", i, err)
		}
	}
}

func TestSpawnAll_MissingBinary(t *testing.T) {
	t.Parallel()

	r := NewRunner(Config{
		Binary:      filepath.Join(t.TempDir(), "no-such-tool"),
		ClusterName: "testcluster",
		TopologyDir: t.TempDir(),
		DataDir:     t.TempDir(),
	})
	slots := topology.Default().Slots()
	block := netutil.Block{Base: 4000, Count: netutil.PortsPerInstance}

	started, err := r.SpawnAll(context.Background(), slots, block)
	if len(started) != 0 {
		t.Errorf("started %d instances, want 0", len(started))
	}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want *SpawnError", err)
	}
	if spawnErr.Index != 0 {
		t.Errorf("Index = %d, want 0", spawnErr.Index)
	}
}

func TestSpawnAll_ProcessDiesBeforeManifest(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t, crashingRunTool)
	slots := topology.Default().Slots()
	block := netutil.Block{Base: 4000, Count: netutil.PortsPerInstance}

	started, err := r.SpawnAll(context.Background(), slots, block)
	defer stopAll(t, started)

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want *SpawnError", err)
	}
	// The dead process was still recorded so teardown can reclaim it.
	if len(started) != 1 {
		t.Fatalf("started %d instances, want 1", len(started))
	}
	if !strings.Contains(err.Error(), "exited before writing") {
		t.Errorf("error = %v, want early-exit diagnosis", err)
	}
}

func TestSpawnAll_ManifestNeverAppears(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t, silentRunTool)
	slots := topology.Default().Slots()
	block := netutil.Block{Base: 4000, Count: netutil.PortsPerInstance}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	started, err := r.SpawnAll(ctx, slots, block)
	defer stopAll(t, started)

	if err == nil {
		t.Fatal("SpawnAll() with a toolless manifest should fail")
	}
	if !strings.Contains(err.Error(), "never wrote") {
		t.Errorf("error = %v, want manifest-timeout diagnosis", err)
	}
}

func TestVerifyManifest(t *testing.T) {
	t.Parallel()

	ports := netutil.Ports{Binary: 4000, HTTP: 4001, Pg: 4002, Console: 4003}
	inst := &Started{
		Slot:   topology.Slot{Ordinal: 0, Name: "i1", Tier: topology.DefaultTier},
		Ports:  ports,
		Handle: process.NewHandle("i1", nil),
	}

	good := manifest{Name: "i1"}
	good.Ports.Binary = 4000
	good.Ports.HTTP = 4001
	good.Ports.Pg = 4002
	good.Ports.Console = 4003

	if err := verifyManifest(good, inst); err != nil {
		t.Errorf("verifyManifest() on matching manifest: %v", err)
	}

	wrongName := good
	wrongName.Name = "i2"
	if err := verifyManifest(wrongName, inst); err == nil {
		t.Error("verifyManifest() should reject a foreign instance name")
	}

	wrongPorts := good
	wrongPorts.Ports.Binary = 5000
	if err := verifyManifest(wrongPorts, inst); err == nil {
		t.Error("verifyManifest() should reject rebound ports")
	}
}
