package picotest

import "github.com/picotest/picotest/internal/core"

// BuildSpec exposes option resolution to the external test package.
func BuildSpec(topologyDir string, opts ...ClusterOption) (core.Spec, error) {
	var cfg clusterConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.spec(topologyDir)
}
