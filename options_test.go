package picotest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/picotest/picotest"
)

func TestOptionsApply(t *testing.T) {
	t.Parallel()

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgFile, []byte("router:\n  key: value\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := picotest.BuildSpec("testdata/plugin",
		picotest.WithTiers(map[string]int{"default": 2, "storage": 1}),
		picotest.WithClusterName("mycluster"),
		picotest.WithReadyTimeout(90*time.Second),
		picotest.WithPollInterval(100*time.Millisecond),
		picotest.WithConfigFile(cfgFile),
		picotest.WithMigrationsDir("testdata/plugin/migrations"),
		picotest.WithEnv(map[string]string{"RUST_LOG": "debug", "A": "1"}),
		picotest.WithDataDir("/var/tmp/picotest"),
		picotest.WithPicodataBinary("/opt/picodata/bin/picodata"),
		picotest.WithKeepData(),
	)
	if err != nil {
		t.Fatalf("BuildSpec() error: %v", err)
	}

	if spec.TopologyDir != "testdata/plugin" {
		t.Errorf("TopologyDir = %q", spec.TopologyDir)
	}
	if spec.Tiers["default"] != 2 || spec.Tiers["storage"] != 1 {
		t.Errorf("Tiers = %v", spec.Tiers)
	}
	if spec.ClusterName != "mycluster" {
		t.Errorf("ClusterName = %q", spec.ClusterName)
	}
	if spec.ReadyTimeout != 90*time.Second {
		t.Errorf("ReadyTimeout = %v", spec.ReadyTimeout)
	}
	if spec.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v", spec.PollInterval)
	}
	if spec.Config["router"]["key"] != "value" {
		t.Errorf("Config = %v", spec.Config)
	}
	if spec.MigrationsDir != "testdata/plugin/migrations" {
		t.Errorf("MigrationsDir = %q", spec.MigrationsDir)
	}
	// Env pairs come out sorted by key.
	if len(spec.Env) != 2 || spec.Env[0] != "A=1" || spec.Env[1] != "RUST_LOG=debug" {
		t.Errorf("Env = %v", spec.Env)
	}
	if spec.BaseDataDir != "/var/tmp/picotest" {
		t.Errorf("BaseDataDir = %q", spec.BaseDataDir)
	}
	if spec.Binary != "/opt/picodata/bin/picodata" {
		t.Errorf("Binary = %q", spec.Binary)
	}
	if !spec.KeepData {
		t.Error("KeepData not set")
	}
}

func TestWithConfig_LastOneWins(t *testing.T) {
	t.Parallel()

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgFile, []byte("storage:\n  capacity: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := picotest.BuildSpec("",
		picotest.WithConfigFile(cfgFile),
		picotest.WithConfig(picotest.ConfigMap{"router": {"k": "v"}}),
	)
	if err != nil {
		t.Fatalf("BuildSpec() error: %v", err)
	}
	if _, ok := spec.Config["router"]; !ok {
		t.Errorf("Config = %v, want the explicit mapping", spec.Config)
	}

	spec, err = picotest.BuildSpec("",
		picotest.WithConfig(picotest.ConfigMap{"router": {"k": "v"}}),
		picotest.WithConfigFile(cfgFile),
	)
	if err != nil {
		t.Fatalf("BuildSpec() error: %v", err)
	}
	if _, ok := spec.Config["storage"]; !ok {
		t.Errorf("Config = %v, want the file mapping", spec.Config)
	}
}

func TestBuildSpec_UnreadableConfigFile(t *testing.T) {
	t.Parallel()

	_, err := picotest.BuildSpec("",
		picotest.WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")))
	if err == nil {
		t.Fatal("BuildSpec() with a missing config file should fail")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestOptionsPanic(t *testing.T) {
	t.Parallel()

	tests := map[string]func(){
		"empty tiers":         func() { picotest.WithTiers(nil) },
		"zero instance count": func() { picotest.WithTiers(map[string]int{"default": 0}) },
		"zero ready timeout":  func() { picotest.WithReadyTimeout(0) },
		"negative poll":       func() { picotest.WithPollInterval(-time.Second) },
		"empty cluster name":  func() { picotest.WithClusterName("") },
		"empty config file":   func() { picotest.WithConfigFile("") },
		"empty manifest path": func() { picotest.WithManifestPath("") },
		"empty migrations":    func() { picotest.WithMigrationsDir("") },
		"empty data dir":      func() { picotest.WithDataDir("") },
		"empty binary":        func() { picotest.WithPicodataBinary("") },
		"empty env var name":  func() { picotest.WithEnv(map[string]string{"": "x"}) },
	}

	for name, fn := range tests {
		fn := fn
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}
