package picorun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/picotest/picotest/internal/netutil"
)

// ManifestFilename is the file the run tool writes into the instance
// directory once its listeners are bound.
const ManifestFilename = "instance.json"

// manifest is the subset of the tool's startup manifest this package
// consumes. Unknown fields are ignored.
type manifest struct {
	Name  string `json:"name"`
	Pid   int    `json:"pid"`
	Ports struct {
		Binary  int `json:"binary"`
		HTTP    int `json:"http"`
		Pg      int `json:"pg"`
		Console int `json:"console"`
	} `json:"ports"`
}

// awaitManifest waits for the instance's startup manifest and verifies
// that the pid and ports it reports match what was assigned. A process
// that exits before writing the manifest failed to spawn.
func (r *Runner) awaitManifest(ctx context.Context, inst *Started) error {
	ctx, cancel := context.WithTimeout(ctx, manifestWaitTimeout)
	defer cancel()

	path := filepath.Join(inst.Dir, ManifestFilename)
	var m manifest

	err := wait.PollUntilContextCancel(ctx, manifestPollInterval, true, func(context.Context) (bool, error) {
		select {
		case <-inst.Handle.Exited():
			return false, fmt.Errorf("instance %s exited before writing %s (see %s)",
				inst.Slot.Name, ManifestFilename, inst.Handle.StderrPath(inst.Dir))
		default:
		}

		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			// Possibly caught mid-write; retry until the deadline.
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return fmt.Errorf("instance %s never wrote %s: %w", inst.Slot.Name, ManifestFilename, err)
		}
		return err
	}

	return verifyManifest(m, inst)
}

// verifyManifest cross-checks the tool-reported identity against the
// assigned one. Other components cache ports by value, so a tool that
// rebound elsewhere must fail the spawn instead of running misrecorded.
func verifyManifest(m manifest, inst *Started) error {
	if m.Name != "" && m.Name != inst.Slot.Name {
		return fmt.Errorf("manifest reports instance %q, expected %q", m.Name, inst.Slot.Name)
	}
	if m.Pid != 0 && m.Pid != inst.Handle.Pid() {
		return fmt.Errorf("manifest reports pid %d, process is %d", m.Pid, inst.Handle.Pid())
	}
	got := netutil.Ports{Binary: m.Ports.Binary, HTTP: m.Ports.HTTP, Pg: m.Ports.Pg, Console: m.Ports.Console}
	if got != inst.Ports {
		return fmt.Errorf("manifest reports ports %+v, assigned %+v", got, inst.Ports)
	}
	return nil
}
