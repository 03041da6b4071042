package picotest

import (
	"fmt"
	"time"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("picotest: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("picotest: %s must not be empty", name))
	}
}

// ClusterOption configures one RunCluster call.
//
// Several With* functions panic on invalid input (empty paths,
// non-positive durations, empty tier maps). These panics are
// intentional: option values are typically compile-time constants, so
// an invalid value indicates a programmer error rather than a runtime
// condition. The pattern mirrors [regexp.MustCompile] — fail fast during
// initialization instead of returning errors that would be universally
// fatal anyway.
type ClusterOption func(*clusterConfig)

// WithTiers replaces the topology file's tier layout with a plain
// tier-to-instance-count mapping. Instance counts must be positive.
//
// Panics if counts is empty or any count is not positive.
func WithTiers(counts map[string]int) ClusterOption {
	if len(counts) == 0 {
		panic("picotest: tier mapping must not be empty")
	}
	copied := make(map[string]int, len(counts))
	for tier, n := range counts {
		requirePositive(fmt.Sprintf("instance count of tier %q", tier), n)
		copied[tier] = n
	}
	return func(c *clusterConfig) {
		c.tiers = copied
	}
}

// WithClusterName overrides the generated cluster name.
// Panics if name is empty.
func WithClusterName(name string) ClusterOption {
	requireNonEmpty("cluster name", name)
	return func(c *clusterConfig) {
		c.clusterName = name
	}
}

// WithReadyTimeout sets the shared deadline for probing all instances.
//
// Default: DefaultReadyTimeout.
//
// Panics if d <= 0.
func WithReadyTimeout(d time.Duration) ClusterOption {
	requirePositive("ready timeout", d)
	return func(c *clusterConfig) {
		c.readyTimeout = d
	}
}

// WithPollInterval sets the readiness probe interval.
//
// Default: DefaultPollInterval.
//
// Panics if d <= 0.
func WithPollInterval(d time.Duration) ClusterOption {
	requirePositive("poll interval", d)
	return func(c *clusterConfig) {
		c.pollInterval = d
	}
}

// WithConfig applies the given service configuration to the cluster
// before RunCluster returns. Mutually exclusive with WithConfigFile;
// the last one given wins.
func WithConfig(cfg ConfigMap) ClusterOption {
	return func(c *clusterConfig) {
		c.config = cfg
		c.configFile = ""
	}
}

// WithConfigFile is WithConfig with the mapping loaded from a YAML file
// keyed by service name.
// Panics if path is empty.
func WithConfigFile(path string) ClusterOption {
	requireNonEmpty("config file path", path)
	return func(c *clusterConfig) {
		c.configFile = path
		c.config = nil
	}
}

// WithManifestPath switches configuration delivery to rewriting the
// plugin manifest at path before spawn instead of console statements
// after readiness. The manifest is restored on Close. Only meaningful
// together with WithConfig or WithConfigFile.
// Panics if path is empty.
func WithManifestPath(path string) ClusterOption {
	requireNonEmpty("manifest path", path)
	return func(c *clusterConfig) {
		c.manifestPath = path
	}
}

// WithMigrationsDir names a directory of NNNN_name.sql migration files
// whose up sections run on the main instance once the cluster is ready.
// Panics if path is empty.
func WithMigrationsDir(path string) ClusterOption {
	requireNonEmpty("migrations dir", path)
	return func(c *clusterConfig) {
		c.migrationsDir = path
	}
}

// WithEnv adds variables to every instance's process environment.
func WithEnv(env map[string]string) ClusterOption {
	copied := make(map[string]string, len(env))
	for k, v := range env {
		requireNonEmpty("environment variable name", k)
		copied[k] = v
	}
	return func(c *clusterConfig) {
		if c.env == nil {
			c.env = make(map[string]string, len(copied))
		}
		for k, v := range copied {
			c.env[k] = v
		}
	}
}

// WithDataDir sets the base directory for per-run cluster data.
//
// Default: the system temp directory.
//
// Panics if dir is empty.
func WithDataDir(dir string) ClusterOption {
	requireNonEmpty("data dir", dir)
	return func(c *clusterConfig) {
		c.dataDir = dir
	}
}

// WithPicodataBinary sets the run tool executable.
//
// Default: DefaultPicodataBinary, looked up on PATH.
//
// Panics if binPath is empty.
func WithPicodataBinary(binPath string) ClusterOption {
	requireNonEmpty("picodata binary path", binPath)
	return func(c *clusterConfig) {
		c.binary = binPath
	}
}

// WithKeepData leaves the cluster's data directory behind on Close, for
// post-mortem inspection of instance logs.
func WithKeepData() ClusterOption {
	return func(c *clusterConfig) {
		c.keepData = true
	}
}
