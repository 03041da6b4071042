package picotest

import (
	"sort"
	"time"

	"github.com/picotest/picotest/internal/core"
	"github.com/picotest/picotest/internal/plugconf"
)

// clusterConfig collects the option values for one RunCluster call.
// Immutable once RunCluster starts orchestration.
type clusterConfig struct {
	clusterName   string
	tiers         map[string]int
	binary        string
	dataDir       string
	readyTimeout  time.Duration
	pollInterval  time.Duration
	env           map[string]string
	config        ConfigMap
	configFile    string
	manifestPath  string
	migrationsDir string
	keepData      bool
}

// spec translates the config into an orchestration spec. The config
// file, when given, is loaded here so RunCluster reports unreadable
// files as errors instead of panicking in an option.
func (c clusterConfig) spec(topologyDir string) (core.Spec, error) {
	cfg := c.config
	if c.configFile != "" {
		loaded, err := plugconf.Load(c.configFile)
		if err != nil {
			return core.Spec{}, err
		}
		cfg = loaded
	}
	return core.Spec{
		TopologyDir:   topologyDir,
		Tiers:         c.tiers,
		ClusterName:   c.clusterName,
		Binary:        c.binary,
		BaseDataDir:   c.dataDir,
		ReadyTimeout:  c.readyTimeout,
		PollInterval:  c.pollInterval,
		Env:           renderEnv(c.env),
		Config:        cfg,
		ManifestPath:  c.manifestPath,
		MigrationsDir: c.migrationsDir,
		KeepData:      c.keepData,
	}, nil
}

// renderEnv flattens an env mapping into KEY=VALUE pairs in stable order.
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
