package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Filename is the topology file name expected in a topology directory.
const Filename = "topology.toml"

// DefaultTier is the tier name used when a topology declares no tiers and
// by the single-node transform.
const DefaultTier = "default"

// Tier describes one named group of instances sharing a role.
type Tier struct {
	Replicasets       int `toml:"replicasets"`
	ReplicationFactor int `toml:"replication_factor"`
}

// InstanceCount returns the number of instances this tier materializes.
// A zero replication factor counts as 1: the field is optional in the
// topology file and defaults to unreplicated.
func (t Tier) InstanceCount() int {
	rf := t.ReplicationFactor
	if rf == 0 {
		rf = 1
	}
	return t.Replicasets * rf
}

// Service describes one plugin service and the tiers it is deployed to.
type Service struct {
	Tiers []string `toml:"tiers"`
}

// Plugin describes one externally loaded plugin under test.
type Plugin struct {
	Version  string             `toml:"version"`
	Services map[string]Service `toml:"service"`
}

// DefaultPluginVersion is assumed when a topology declares a plugin
// without an explicit version.
const DefaultPluginVersion = "0.1.0"

// Topology is the declarative description of one test cluster: tiers with
// instance counts, the plugins deployed onto them, and extra process
// environment for every spawned instance.
type Topology struct {
	Tiers   map[string]Tier   `toml:"tier"`
	Plugins map[string]Plugin `toml:"plugin"`
	Env     map[string]string `toml:"env"`
}

// Slot is one planned instance position in a topology: a stable ordinal,
// the derived instance name, and the tier it belongs to. Ordinal 0 is the
// cluster's main instance.
type Slot struct {
	Ordinal int
	Name    string
	Tier    string
}

// Parse decodes a topology from TOML source.
func Parse(data []byte) (Topology, error) {
	var t Topology
	if err := toml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("parse topology TOML: %w", err)
	}
	return t, nil
}

// ParseFile reads and decodes the topology file inside dir.
func ParseFile(dir string) (Topology, error) {
	path := filepath.Join(dir, Filename)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the caller's topology dir
	if err != nil {
		return Topology{}, fmt.Errorf("read topology file %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return Topology{}, fmt.Errorf("topology file %s: %w", path, err)
	}
	return t, nil
}

// WriteFile renders the topology as topology.toml inside dir.
func (t Topology) WriteFile(dir string) error {
	raw, err := toml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode topology: %w", err)
	}
	path := filepath.Join(dir, Filename)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write topology file %s: %w", path, err)
	}
	return nil
}

// Default returns the implicit topology used when a caller supplies no
// tiers: a single instance on the default tier.
func Default() Topology {
	return Topology{
		Tiers: map[string]Tier{
			DefaultTier: {Replicasets: 1, ReplicationFactor: 1},
		},
	}
}

// FromTierCounts builds a topology from a tier-to-instance-count mapping.
// Each count becomes that tier's replicaset count with replication factor 1.
func FromTierCounts(counts map[string]int) Topology {
	tiers := make(map[string]Tier, len(counts))
	for name, n := range counts {
		tiers[name] = Tier{Replicasets: n, ReplicationFactor: 1}
	}
	return Topology{Tiers: tiers}
}

// Validate checks the topology for structural errors. It reports every
// violation found, joined, so callers can fix all problems in one pass.
func (t Topology) Validate() error {
	var errs []error

	if len(t.Tiers) == 0 {
		errs = append(errs, errors.New("topology must declare at least one tier"))
	}
	for name, tier := range t.Tiers {
		if name == "" {
			errs = append(errs, errors.New("tier name must not be empty"))
		}
		if tier.Replicasets < 1 {
			errs = append(errs, fmt.Errorf("tier %q: replicasets must be at least 1, got %d", name, tier.Replicasets))
		}
		if tier.ReplicationFactor < 0 {
			errs = append(errs, fmt.Errorf("tier %q: replication factor must not be negative, got %d", name, tier.ReplicationFactor))
		}
	}
	for pluginName, plugin := range t.Plugins {
		for svcName, svc := range plugin.Services {
			for _, tierName := range svc.Tiers {
				if _, ok := t.Tiers[tierName]; !ok {
					errs = append(errs, fmt.Errorf("plugin %q service %q references unknown tier %q",
						pluginName, svcName, tierName))
				}
			}
		}
	}

	return errors.Join(errs...)
}

// InstanceCount returns the total number of instances across all tiers.
func (t Topology) InstanceCount() int {
	n := 0
	for _, tier := range t.Tiers {
		n += tier.InstanceCount()
	}
	return n
}

// Slots enumerates the planned instances in deterministic spawn order:
// the default tier first, remaining tiers sorted by name. Instance names
// follow the i1..iN convention, so slot 0 is always i1 on the first tier.
func (t Topology) Slots() []Slot {
	names := make([]string, 0, len(t.Tiers))
	for name := range t.Tiers {
		if name == DefaultTier {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if _, ok := t.Tiers[DefaultTier]; ok {
		names = append([]string{DefaultTier}, names...)
	}

	slots := make([]Slot, 0, t.InstanceCount())
	for _, tierName := range names {
		for j := 0; j < t.Tiers[tierName].InstanceCount(); j++ {
			ord := len(slots)
			slots = append(slots, Slot{
				Ordinal: ord,
				Name:    fmt.Sprintf("i%d", ord+1),
				Tier:    tierName,
			})
		}
	}
	return slots
}

// SingleNode collapses the topology to one instance on the default tier,
// re-homing every plugin service onto that tier. Plugin declarations and
// environment are preserved. Used for unit-test runs where the service
// placement of the full topology is irrelevant.
func (t Topology) SingleNode() Topology {
	out := Topology{
		Tiers: map[string]Tier{
			DefaultTier: {Replicasets: 1, ReplicationFactor: 1},
		},
		Plugins: make(map[string]Plugin, len(t.Plugins)),
		Env:     t.Env,
	}
	for name, plugin := range t.Plugins {
		services := make(map[string]Service, len(plugin.Services))
		for svcName := range plugin.Services {
			services[svcName] = Service{Tiers: []string{DefaultTier}}
		}
		out.Plugins[name] = Plugin{Version: plugin.Version, Services: services}
	}
	return out
}
